// Package wizard provides an interactive setup flow that writes a
// diglett configuration file.
package wizard

import (
	"fmt"
	"net"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/muhamadazmy/diglett/internal/config"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			MarginBottom(1)

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	Role       string
}

// Run executes the interactive setup and writes the chosen config file.
func Run() (*Result, error) {
	fmt.Println(titleStyle.Render("diglett setup"))
	fmt.Println(hintStyle.Render("Answers are written to a YAML config you can edit later."))
	fmt.Println()

	cfg := config.Default()
	role := "agent"
	path := "diglett.yml"
	token := ""

	roleForm := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which role does this machine play?").
				Options(
					huh.NewOption("Agent - next to the private service", "agent"),
					huh.NewOption("Server - the public gateway", "server"),
				).
				Value(&role),
			huh.NewInput().
				Title("Config file path").
				Value(&path).
				Validate(notEmpty("path")),
		),
	)
	if err := roleForm.Run(); err != nil {
		return nil, err
	}

	if role == "agent" {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Gateway address (host:port)").
					Placeholder("gw.example.com:20000").
					Value(&cfg.Agent.Gateway).
					Validate(hostPort),
				huh.NewInput().
					Title("Subdomain name to register").
					Placeholder("myservice").
					Value(&cfg.Agent.Name).
					Validate(subdomain),
				huh.NewInput().
					Title("Backend address (host:port)").
					Placeholder("127.0.0.1:8080").
					Value(&cfg.Agent.Backend).
					Validate(hostPort),
				huh.NewInput().
					Title("Login token (empty if the server accepts all)").
					EchoMode(huh.EchoModePassword).
					Value(&cfg.Agent.Token),
			),
		)
		if err := form.Run(); err != nil {
			return nil, err
		}
	} else {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Agent listen address").
					Value(&cfg.Server.Listen).
					Validate(hostPort),
				huh.NewInput().
					Title("Public bind address (without port)").
					Value(&cfg.Server.PublicBind).
					Validate(notEmpty("bind address")),
				huh.NewInput().
					Title("Login token (empty accepts every agent)").
					EchoMode(huh.EchoModePassword).
					Value(&token),
				huh.NewInput().
					Title("Metrics address (empty disables)").
					Placeholder("127.0.0.1:9090").
					Value(&cfg.Server.Metrics),
			),
		)
		if err := form.Run(); err != nil {
			return nil, err
		}
		if token != "" {
			cfg.Server.Tokens = []string{token}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Save(path); err != nil {
		return nil, err
	}

	fmt.Println()
	fmt.Println(hintStyle.Render("Wrote " + path + ". Start with: diglett " + role + " --config " + path))

	return &Result{Config: cfg, ConfigPath: path, Role: role}, nil
}

func notEmpty(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s must not be empty", what)
		}
		return nil
	}
}

func hostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("expected host:port")
	}
	return nil
}

func subdomain(s string) error {
	if !config.ValidName(s) {
		return fmt.Errorf("lowercase letters, digits and hyphens only")
	}
	return nil
}
