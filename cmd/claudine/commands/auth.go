package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"
	"golang.org/x/term"

	"github.com/florianilch/claudine-gateway/internal/app"
	"github.com/florianilch/claudine-gateway/internal/credential"
	"github.com/florianilch/claudine-gateway/internal/policy"
	"github.com/florianilch/claudine-gateway/internal/tokensource"
)

// authCommand returns the 'auth' subcommand for managing provider authentication.
func authCommand() *cli.Command {
	providerFlag := &cli.StringFlag{
		Name:    "provider",
		Aliases: []string{"p"},
		Usage:   "provider name (defaults to default_provider)",
	}
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage provider authentication",
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "Login to a provider and save credentials",
				Flags: []cli.Flag{
					providerFlag,
					&cli.BoolFlag{
						Name:  "api-key",
						Usage: "store an API key instead of running the Claude OAuth flow",
					},
				},
				Action: authLoginAction,
			},
			{
				Name:   "logout",
				Usage:  "Clear the stored credentials of a provider",
				Flags:  []cli.Flag{providerFlag},
				Action: authLogoutAction,
			},
			{
				Name:   "status",
				Usage:  "Show the stored credentials of every provider",
				Action: authStatusAction,
			},
		},
	}
}

// providerStore resolves the --provider flag and opens its credential store.
func providerStore(cmd *cli.Command) (*app.Config, string, credential.Store, error) {
	cfg, err := loadConfig(cmd, os.Environ)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to load config: %w", err)
	}

	name := cmd.String("provider")
	if name == "" {
		name = cfg.DefaultProvider
	}
	if _, ok := cfg.Providers[name]; !ok {
		return nil, "", nil, fmt.Errorf("provider %q is not configured (available: %s)", name, strings.Join(cfg.ProviderNames(), ", "))
	}
	if cfg.StorageFor(name) == app.TokenStorageTypeEnv {
		return nil, "", nil, fmt.Errorf("provider %s uses env storage (read-only). Configure file or keyring storage", name)
	}

	store, err := cfg.NewCredentialStore(name)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to create credential store: %w", err)
	}
	return cfg, name, store, nil
}

// authLoginAction runs the Claude OAuth flow for Anthropic providers, or asks for an API key.
func authLoginAction(ctx context.Context, cmd *cli.Command) error {
	cfg, name, store, err := providerStore(cmd)
	if err != nil {
		return err
	}

	var cred *credential.Credential
	if cmd.Bool("api-key") || cfg.Providers[name].Kind != policy.KindAnthropic {
		cred, err = readAPIKey(ctx, name)
	} else {
		cred, err = runAnthropicOAuth(ctx)
	}
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if err := store.Save(ctx, *cred); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	fmt.Println()
	color.Green("=== Login Successful ===")
	fmt.Printf("Credential for %s saved to %s storage\n", name, cfg.StorageFor(name))

	return nil
}

// authLogoutAction removes a provider's stored credential.
func authLogoutAction(ctx context.Context, cmd *cli.Command) error {
	cfg, name, store, err := providerStore(cmd)
	if err != nil {
		return err
	}

	if err := store.Delete(ctx); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}

	fmt.Println()
	color.Green("=== Logout Successful ===")
	fmt.Printf("Credential for %s cleared from %s storage\n", name, cfg.StorageFor(name))

	return nil
}

// authStatusAction lists what each provider's store holds without contacting any upstream.
func authStatusAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	for _, name := range cfg.ProviderNames() {
		store, err := cfg.NewCredentialStore(name)
		if err != nil {
			return fmt.Errorf("failed to create credential store: %w", err)
		}

		fmt.Printf("  %-15s: ", name)
		cred, err := store.Load(ctx)
		switch {
		case errors.Is(err, credential.ErrNotFound):
			color.Yellow("not logged in (%s)", cfg.StorageFor(name))
		case err != nil:
			color.Red("error: %v", err)
		default:
			color.Green("%s (%s)%s", cred.Kind, cfg.StorageFor(name), describeExpiry(*cred))
		}
	}
	return nil
}

func describeExpiry(cred credential.Credential) string {
	switch {
	case cred.Kind != credential.KindOAuth:
		return ""
	case cred.Expiry.IsZero():
		return ", refreshes on first use"
	case time.Now().After(cred.Expiry):
		return ", access token expired"
	}
	return fmt.Sprintf(", access token valid until %s", cred.Expiry.Local().Format(time.RFC3339))
}

// readSecureInput reads user input with hidden display and context cancellation support.
// Goroutine+select pattern required because term.ReadPassword has no native context support.
func readSecureInput(ctx context.Context, prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		inputBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		resultCh <- result{value: string(inputBytes), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return strings.TrimSpace(res.value), nil
	}
}

func readAPIKey(ctx context.Context, name string) (*credential.Credential, error) {
	key, err := readSecureInput(ctx, fmt.Sprintf("Enter API key for %s: ", name))
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errors.New("API key cannot be empty")
	}
	return &credential.Credential{Kind: credential.KindOf(key), AccessToken: key}, nil
}

// runAnthropicOAuth performs OAuth login for Anthropic Claude.
func runAnthropicOAuth(ctx context.Context) (*credential.Credential, error) {
	authorizer := tokensource.NewAuthorizer(
		tokensource.Endpoint,
		tokensource.RedirectURL,
	)

	verifier := oauth2.GenerateVerifier()
	authURL := authorizer.AuthCodeURL(verifier)

	color.Blue("=== Anthropic Claude OAuth Login ===")
	fmt.Println()
	fmt.Printf("1. Visit this URL in your browser:\n   %s\n\n", authURL)
	fmt.Println("2. Authorize the application")
	fmt.Println("3. Paste the authorization code")

	code, err := readSecureInput(ctx, "\nEnter authorization code: ")
	if err != nil {
		return nil, err
	}

	if code == "" {
		return nil, fmt.Errorf("authorization code cannot be empty")
	}

	cred, err := authorizer.Exchange(ctx, code, verifier)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	return cred, nil
}
