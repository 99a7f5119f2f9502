package domain

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownConfigKey is returned when a config key is not an allowed LLM setting.
var ErrUnknownConfigKey = errors.New("unknown config key")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a chat transcript.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMConfig is the fixed set of settings a call can carry.
type LLMConfig struct {
	Provider         string   `json:"provider,omitempty"`
	Model            string   `json:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

// ConfigKeys lists the settings accepted by LLMConfig.Set.
var ConfigKeys = []string{
	"provider",
	"model",
	"temperature",
	"max_tokens",
	"top_p",
	"top_k",
	"frequency_penalty",
	"presence_penalty",
	"stop",
}

// IsConfigKey reports whether key is an allowed LLM setting.
func IsConfigKey(key string) bool {
	for _, k := range ConfigKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Set parses value and assigns it to the setting named key.
func (c *LLMConfig) Set(key, value string) error {
	value = strings.TrimSpace(value)
	switch key {
	case "provider":
		c.Provider = value
	case "model":
		c.Model = value
	case "temperature":
		f, err := parseFloat(key, value)
		if err != nil {
			return err
		}
		c.Temperature = &f
	case "max_tokens":
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		c.MaxTokens = &n
	case "top_p":
		f, err := parseFloat(key, value)
		if err != nil {
			return err
		}
		c.TopP = &f
	case "top_k":
		n, err := parseInt(key, value)
		if err != nil {
			return err
		}
		c.TopK = &n
	case "frequency_penalty":
		f, err := parseFloat(key, value)
		if err != nil {
			return err
		}
		c.FrequencyPenalty = &f
	case "presence_penalty":
		f, err := parseFloat(key, value)
		if err != nil {
			return err
		}
		c.PresencePenalty = &f
	case "stop":
		var stops []string
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				stops = append(stops, s)
			}
		}
		c.Stop = stops
	default:
		return fmt.Errorf("%w: %q (allowed: %s)", ErrUnknownConfigKey, key, strings.Join(ConfigKeys, ", "))
	}
	return nil
}

// Merge applies every setting present in other on top of c.
func (c *LLMConfig) Merge(other LLMConfig) {
	if other.Provider != "" {
		c.Provider = other.Provider
	}
	if other.Model != "" {
		c.Model = other.Model
	}
	if other.Temperature != nil {
		c.Temperature = other.Temperature
	}
	if other.MaxTokens != nil {
		c.MaxTokens = other.MaxTokens
	}
	if other.TopP != nil {
		c.TopP = other.TopP
	}
	if other.TopK != nil {
		c.TopK = other.TopK
	}
	if other.FrequencyPenalty != nil {
		c.FrequencyPenalty = other.FrequencyPenalty
	}
	if other.PresencePenalty != nil {
		c.PresencePenalty = other.PresencePenalty
	}
	if other.Stop != nil {
		c.Stop = other.Stop
	}
}

// Entries returns the populated settings as sorted key/value pairs.
func (c LLMConfig) Entries() [][2]string {
	var out [][2]string
	add := func(k, v string) { out = append(out, [2]string{k, v}) }
	if c.Provider != "" {
		add("provider", c.Provider)
	}
	if c.Model != "" {
		add("model", c.Model)
	}
	if c.Temperature != nil {
		add("temperature", strconv.FormatFloat(*c.Temperature, 'f', -1, 64))
	}
	if c.MaxTokens != nil {
		add("max_tokens", strconv.Itoa(*c.MaxTokens))
	}
	if c.TopP != nil {
		add("top_p", strconv.FormatFloat(*c.TopP, 'f', -1, 64))
	}
	if c.TopK != nil {
		add("top_k", strconv.Itoa(*c.TopK))
	}
	if c.FrequencyPenalty != nil {
		add("frequency_penalty", strconv.FormatFloat(*c.FrequencyPenalty, 'f', -1, 64))
	}
	if c.PresencePenalty != nil {
		add("presence_penalty", strconv.FormatFloat(*c.PresencePenalty, 'f', -1, 64))
	}
	if len(c.Stop) > 0 {
		add("stop", strings.Join(c.Stop, ","))
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func parseFloat(key, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
	return f, nil
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
	return n, nil
}

// LLMRequest is a single completion request.
type LLMRequest struct {
	Config   LLMConfig     `json:"config"`
	Messages []ChatMessage `json:"messages"`

	// Choices constrains the reply to one of the listed options.
	Choices []string `json:"choices,omitempty"`
}

// TokenUsage reports the tokens consumed by one call.
type TokenUsage struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// LLMResponse is the result of a completion request.
type LLMResponse struct {
	Message ChatMessage `json:"message"`
	Usage   TokenUsage  `json:"usage"`
}
