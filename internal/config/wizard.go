package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== Lysis Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	for {
		fmt.Fprintf(w.out, "Provider (gemini/openai/anthropic/mock) [%s]: ", cfg.Provider.Name)
		name, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if name == "" {
			break
		}
		if err := validator.ValidateProvider(name); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Provider.Name = name
		cfg.Provider.Model = defaultModel(name)
		break
	}

	if cfg.Provider.Name != "mock" {
		fmt.Fprintf(w.out, "Model [%s]: ", cfg.Provider.Model)
		model, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if model != "" {
			cfg.Provider.Model = model
		}

		fmt.Fprintln(w.out)
		fmt.Fprintln(w.out, "API keys, comma-separated per role. They rotate on rate limits.")

		lists := []struct {
			label string
			dst   *string
		}{
			{"Manager (agent) keys", &cfg.Keys.Agent},
			{"Worker 1 keys", &cfg.Keys.Worker1},
			{"Worker 2 keys", &cfg.Keys.Worker2},
		}
		for _, l := range lists {
			for {
				fmt.Fprintf(w.out, "%s (press Enter to skip): ", l.label)
				list, err := w.readLine()
				if err != nil {
					return nil, err
				}
				if list == "" {
					break
				}
				if err := validator.ValidateKeyList(list, cfg.Provider.Name); err != nil {
					fmt.Fprintf(w.out, "Error: %v\n", err)
					continue
				}
				*l.dst = list
				break
			}
		}

		if cfg.Keys.Agent == "" && cfg.Keys.Worker1 == "" && cfg.Keys.Worker2 == "" {
			return nil, fmt.Errorf("at least one API key is required")
		}
	}

	fmt.Fprintln(w.out)

	fmt.Fprint(w.out, "Run tools against an in-memory workspace? (y/n) [n]: ")
	mock, err := w.readLine()
	if err != nil {
		return nil, err
	}
	cfg.Workspace.Mock = strings.ToLower(mock) == "y"

	fmt.Fprintln(w.out)

	fmt.Fprint(w.out, "Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	case "anthropic":
		return "claude-sonnet-4-5"
	case "mock":
		return ""
	default:
		return "gemini-2.5-flash"
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
