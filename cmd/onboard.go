package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskloom/internal/config"
)

func onboardCmd() *cobra.Command {
	var noSecrets bool

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Long: `Walk through provider selection, credentials, and gateway settings,
then write the config file. Secrets are stored in the config file with
0600 permissions; pass --no-secrets to keep them in the environment
instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(noSecrets)
		},
	}

	cmd.Flags().BoolVar(&noSecrets, "no-secrets", false, "do not write API keys to the config file")

	return cmd
}

func runOnboard(noSecrets bool) error {
	cfgPath := resolveConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("Config already exists at %s. Update it?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return onboardAborted(err)
		}
		if !overwrite {
			fmt.Println("Nothing changed.")
			return nil
		}
	}

	// Existing values survive as the base so re-running the wizard only
	// touches what it asks about.
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	providerName := cfg.Provider.Name
	apiKey := ""
	model := cfg.Provider.Model
	subagents := cfg.Subagents.Enabled
	portStr := strconv.Itoa(cfg.Gateway.Port)
	genToken := cfg.Gateway.Token == ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Description("Drives the orchestrator and all subagents.").
				Options(
					huh.NewOption("Anthropic Claude", "anthropic"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("OpenRouter", "openrouter"),
					huh.NewOption("DeepSeek", "deepseek"),
				).
				Value(&providerName),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API key").
				Description("Leave empty to keep the current key or use an environment variable.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Model override").
				Description("Leave empty for the provider default.").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable subagent delegation?").
				Description("Subtasks run on isolated workers with a restricted RPC surface.").
				Value(&subagents),
			huh.NewInput().
				Title("Gateway port").
				Validate(validatePort).
				Value(&portStr),
			huh.NewConfirm().
				Title("Generate a gateway auth token?").
				Description("Required for anything beyond localhost use.").
				Value(&genToken),
		),
	)

	if err := form.Run(); err != nil {
		return onboardAborted(err)
	}

	cfg.Provider.Name = providerName
	cfg.Provider.Model = strings.TrimSpace(model)
	if key := strings.TrimSpace(apiKey); key != "" {
		setProviderKey(cfg, providerName, key)
	}
	cfg.Subagents.Enabled = subagents
	cfg.Gateway.Port, _ = strconv.Atoi(portStr)

	var freshToken string
	if genToken {
		freshToken = generateToken(16)
		cfg.Gateway.Token = freshToken
	}

	if noSecrets {
		cfg.StripSecrets()
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Config saved to %s\n", cfgPath)
	if freshToken != "" && !noSecrets {
		fmt.Printf("Gateway token: %s\n", freshToken)
	}
	if noSecrets {
		fmt.Println()
		fmt.Println("Secrets were not written. Export them before serving:")
		fmt.Printf("  export %s=...\n", providerEnvVar(providerName))
		if freshToken != "" {
			fmt.Printf("  export TASKLOOM_GATEWAY_TOKEN=%s\n", freshToken)
		}
	}
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  taskloom serve      # start the daemon")
	fmt.Println("  taskloom chat       # talk to it")
	return nil
}

func onboardAborted(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		fmt.Println("Setup cancelled.")
		return nil
	}
	return err
}

func validatePort(s string) error {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be 1-65535")
	}
	return nil
}

func setProviderKey(cfg *config.Config, name, key string) {
	switch name {
	case "openai":
		cfg.Provider.OpenAI.APIKey = key
	case "openrouter":
		cfg.Provider.OpenRouter.APIKey = key
	case "deepseek":
		cfg.Provider.DeepSeek.APIKey = key
	default:
		cfg.Provider.Anthropic.APIKey = key
	}
}

func providerEnvVar(name string) string {
	switch name {
	case "openai":
		return "TASKLOOM_OPENAI_API_KEY"
	case "openrouter":
		return "TASKLOOM_OPENROUTER_API_KEY"
	case "deepseek":
		return "TASKLOOM_DEEPSEEK_API_KEY"
	default:
		return "TASKLOOM_ANTHROPIC_API_KEY"
	}
}

func generateToken(bytes int) string {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
