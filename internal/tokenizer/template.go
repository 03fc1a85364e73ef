package tokenizer

import (
	"fmt"
	"strings"
)

// Template wraps a user prompt in a model's chat framing before encoding.
type Template string

const (
	Raw   Template = "raw"
	Llama Template = "llama"
	Phi3  Template = "phi3"
	Qwen  Template = "qwen"
)

func ParseTemplate(s string) (Template, error) {
	switch t := Template(strings.ToLower(s)); t {
	case Raw, Llama, Phi3, Qwen:
		return t, nil
	case "":
		return Raw, nil
	}
	return "", fmt.Errorf("unknown chat template %q (want raw, llama, phi3 or qwen)", s)
}

func (t Template) Apply(prompt string) string {
	switch t {
	case Llama:
		return "<|user|>\n" + prompt + "</s><|assistant|>\n"
	case Phi3:
		return prompt + " "
	case Qwen:
		return "<|im_start|>system\nYou are a helpful assistant.<|im_end|>\n" +
			"<|im_start|>user\n" + prompt + "<|im_end|>\n<|im_start|>assistant\n"
	}
	return prompt
}
