package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rmaranhao/citabot/pkg/citabot/config"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive configuration wizard",
		Long: `Walk through the initial configuration: clinic backend, model
endpoint, Discord alerts and operator numbers. Secrets go to the OS
keyring when available, never in plaintext config.`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("setup needs an interactive terminal")
	}

	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		cfg = config.Default()
	}

	var (
		clinicKey      string
		llmKey         string
		discordToken   string
		operatorsInput string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Nombre de la clínica").
				Value(&cfg.Clinic.Name),
			huh.NewInput().
				Title("URL del backend de citas").
				Placeholder("https://api.clinica.example").
				Value(&cfg.Clinic.BaseURL),
			huh.NewInput().
				Title("API key del backend (vacío si no usa)").
				EchoMode(huh.EchoModePassword).
				Value(&clinicKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("URL del endpoint del modelo").
				Value(&cfg.LLM.BaseURL),
			huh.NewInput().
				Title("Modelo").
				Value(&cfg.LLM.Model),
			huh.NewInput().
				Title("API key del modelo").
				EchoMode(huh.EchoModePassword).
				Value(&llmKey),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("¿Enviar alertas de intervención a Discord?").
				Value(&cfg.Discord.Enabled),
			huh.NewInput().
				Title("Token del bot de Discord (vacío si no usa)").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
			huh.NewInput().
				Title("ID del canal de Discord del equipo").
				Value(&cfg.Discord.ChannelID),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Números de los operadores (nombre:número, separados por comas)").
				Placeholder("Lucía:521111111111, Marco:522222222222").
				Value(&operatorsInput),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	if llmKey != "" {
		cfg.LLM.APIKey = storeOrInline("llm_api_key", llmKey)
	}
	if clinicKey != "" {
		cfg.Clinic.APIKey = storeOrInline("clinic_api_key", clinicKey)
	}
	if discordToken != "" {
		cfg.Discord.Token = storeOrInline("discord_token", discordToken)
	}
	if ops := parseOperators(operatorsInput); len(ops) > 0 {
		cfg.Operators = ops
	}

	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Printf("Configuración guardada en %s\n", configPath)
	fmt.Println("Ejecuta `citabot serve` y escanea el código QR para vincular WhatsApp.")
	return nil
}

// storeOrInline puts the secret in the OS keyring, falling back to the
// plaintext value when no keyring is available.
func storeOrInline(name, value string) string {
	ref, err := config.StoreSecret(name, value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aviso: sin keyring del sistema, %s queda en el archivo de configuración\n", name)
		return value
	}
	return ref
}

// parseOperators reads "name:number" pairs separated by commas.
func parseOperators(s string) []config.Operator {
	var out []config.Operator
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, number, ok := strings.Cut(part, ":")
		if !ok {
			number = name
			name = "Operador"
		}
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, number)
		if digits == "" {
			continue
		}
		out = append(out, config.Operator{
			JID:  digits + "@s.whatsapp.net",
			Name: strings.TrimSpace(name),
		})
	}
	return out
}
