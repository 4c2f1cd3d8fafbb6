package inference

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/jovia/internal/tokenizer"
)

// Template wraps a prompt, an optional system message and earlier turns in
// a model's chat markup.
type Template struct {
	Name            string `yaml:"name"`
	SystemPrefix    string `yaml:"system_prefix"`
	UserPrefix      string `yaml:"user_prefix"`
	AssistantPrefix string `yaml:"assistant_prefix"`
	EndOfTurn       string `yaml:"end_of_turn"`
	Separator       string `yaml:"separator"`
}

var (
	// Zephyr renders <|system|>{system}</s>\n<|user|>{prompt}</s>\n<|assistant|>.
	Zephyr = Template{
		Name:            "zephyr",
		SystemPrefix:    "<|system|>",
		UserPrefix:      "<|user|>",
		AssistantPrefix: "<|assistant|>",
		EndOfTurn:       "</s>",
		Separator:       "\n",
	}
	ChatML = Template{
		Name:            "chatml",
		SystemPrefix:    "<|im_start|>system\n",
		UserPrefix:      "<|im_start|>user\n",
		AssistantPrefix: "<|im_start|>assistant\n",
		EndOfTurn:       "<|im_end|>",
		Separator:       "\n",
	}
	// Raw passes the prompt through untouched.
	Raw = Template{Name: "raw"}
)

// Render builds the full prompt text. Raw templates ignore system and
// history.
func (t Template) Render(system string, history []Turn, prompt string) string {
	if t.Name == Raw.Name {
		return prompt
	}
	var b strings.Builder
	turn := func(prefix, text string) {
		b.WriteString(prefix)
		b.WriteString(text)
		b.WriteString(t.EndOfTurn)
		b.WriteString(t.Separator)
	}
	if system != "" {
		turn(t.SystemPrefix, system)
	}
	for _, h := range history {
		turn(t.UserPrefix, h.User)
		turn(t.AssistantPrefix, SanitizeAssistantForContext(h.Assistant))
	}
	turn(t.UserPrefix, prompt)
	b.WriteString(t.AssistantPrefix)
	return b.String()
}

// ResolveTemplate maps a name ("zephyr", "chatml", "raw") or a YAML file
// path to a Template. An empty name selects Zephyr.
func ResolveTemplate(nameOrPath string) (Template, error) {
	switch strings.ToLower(strings.TrimSpace(nameOrPath)) {
	case "", "zephyr":
		return Zephyr, nil
	case "chatml":
		return ChatML, nil
	case "raw", "none":
		return Raw, nil
	}
	if !fileExists(nameOrPath) {
		return Template{}, fmt.Errorf("unknown prompt template %q", nameOrPath)
	}
	raw, err := os.ReadFile(nameOrPath)
	if err != nil {
		return Template{}, fmt.Errorf("read prompt template: %w", err)
	}
	var t Template
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Template{}, fmt.Errorf("parse prompt template %s: %w", nameOrPath, err)
	}
	if t.Name == "" {
		t.Name = nameOrPath
	}
	return t, nil
}

// RenderPrompt applies tpl to req unless the request opts out.
func RenderPrompt(tpl Template, req *Request) string {
	if req.NoTemplate {
		return req.Prompt
	}
	return tpl.Render(req.System, req.History, req.Prompt)
}

// PromptToken is one entry of a verbose prompt dump.
type PromptToken struct {
	ID    int
	Piece string
}

func (p PromptToken) String() string {
	return fmt.Sprintf("%7d -> '%s'", p.ID, p.Piece)
}

// DescribePrompt decodes every id on its own, mapping the sentencepiece
// space marker and byte-fallback newline to their plain forms.
func DescribePrompt(tok tokenizer.Tokenizer, ids []int) ([]PromptToken, error) {
	out := make([]PromptToken, 0, len(ids))
	for _, id := range ids {
		piece, err := tok.Decode([]int{id})
		if err != nil {
			return nil, err
		}
		piece = strings.ReplaceAll(piece, "▁", " ")
		piece = strings.ReplaceAll(piece, "<0x0A>", "\n")
		out = append(out, PromptToken{ID: id, Piece: piece})
	}
	return out, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
