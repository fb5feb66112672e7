package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/keepsake/internal/chat"
	"github.com/stellarlinkco/keepsake/internal/companion"
	"github.com/stellarlinkco/keepsake/internal/config"
	"github.com/stellarlinkco/keepsake/internal/gateway"
	"github.com/stellarlinkco/keepsake/internal/llm"
	"github.com/stellarlinkco/keepsake/internal/persona"
	"github.com/stellarlinkco/keepsake/internal/store"
)

// ChatOptions for running the chat command with custom dependencies
type ChatOptions struct {
	GeneratorFactory gateway.GeneratorFactory
	Stdin            io.Reader
	Stdout           io.Writer
	Stderr           io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "keepsake",
	Short: "keepsake - a companion that remembers",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the companion, single message or REPL",
	RunE:  runChat,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, telegram, maintenance jobs and background worker",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and prompt templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return onboard(cmd.OutOrStdout())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show keepsake status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return status(cmd.OutOrStdout())
	},
}

var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "Show what the companion remembers about a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showFacts(cmd.Context(), cmd.OutOrStdout())
	},
}

var tierCmd = &cobra.Command{
	Use:   "tier",
	Short: "Set a user's subscription tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTier(cmd.Context(), cmd.OutOrStdout())
	},
}

var (
	userFlag    string
	messageFlag string
	sceneFlag   string
	vibeFlag    int
	tierFlag    int
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVar(&sceneFlag, "scene", string(companion.SceneLounge), "Scene for the conversation")
	chatCmd.Flags().IntVar(&vibeFlag, "vibe", chat.DefaultVibe, "Your energy, 0-100")
	for _, c := range []*cobra.Command{chatCmd, factsCmd, tierCmd} {
		c.Flags().StringVarP(&userFlag, "user", "u", "cli", "User id")
	}
	tierCmd.Flags().IntVar(&tierFlag, "set", -1, "Tier to set (0 Free, 1 Plus, 2 Premium)")
	_ = tierCmd.MarkFlagRequired("set")
	rootCmd.AddCommand(chatCmd, serveCmd, onboardCmd, statusCmd, factsCmd, tierCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs the chat loop with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if vibeFlag < 0 || vibeFlag > 100 {
		return fmt.Errorf("vibe must be between 0 and 100, got %d", vibeFlag)
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	logger := config.NewLogger(cfg.Log.Level)
	core, err := gateway.OpenCore(cfg, gateway.Options{
		GeneratorFactory: opts.GeneratorFactory,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer core.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := chat.NewWorker(core.Service, chat.WorkerOptions{
		PollInterval: cfg.Background.Interval(),
		MaxAttempts:  cfg.Background.MaxAttempts,
	})
	worker.Start(ctx)
	defer worker.Stop()

	send := func(text string, first bool) error {
		_, err := core.Service.SendStream(ctx, chat.TurnRequest{
			UserID:       userFlag,
			Message:      text,
			Scene:        sceneFlag,
			Vibe:         vibeFlag,
			SessionStart: first,
		}, func(chunk string) error {
			_, err := io.WriteString(stdout, chunk)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout)
		return nil
	}

	// Single message mode
	if messageFlag != "" {
		if err := send(messageFlag, true); err != nil {
			return describeTurnError(err)
		}
		return nil
	}

	fmt.Fprintf(stdout, "keepsake chat as %s in %s (type 'exit' to quit)\n", userFlag, sceneFlag)
	scanner := bufio.NewScanner(stdin)
	first := true
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		if err := send(input, first); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", describeTurnError(err))
			continue
		}
		first = false
	}
	return nil
}

func describeTurnError(err error) error {
	if d, ok := chat.AsDenial(err); ok {
		if d.Unlock != "" {
			return fmt.Errorf("%s %s", d.Reason, d.Unlock)
		}
		return errors.New(d.Reason)
	}
	if errors.Is(err, chat.ErrTryAgain) || errors.Is(err, llm.ErrEmptyReply) {
		return errors.New("the model did not answer in time, try again")
	}
	return fmt.Errorf("chat error: %w", err)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: config.NewLogger(cfg.Log.Level)})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func onboard(out io.Writer) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir := cfg.Prompts.Dir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create prompts dir: %w", err)
	}
	templates := persona.Templates()
	names := lo.Keys(templates)
	sort.Strings(names)
	for _, name := range names {
		writeIfNotExists(out, filepath.Join(dir, name), templates[name])
	}

	fmt.Fprintf(out, "Prompts ready: %s\n", dir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set KEEPSAKE_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'keepsake chat -m \"Hello\"' to test")

	return nil
}

func status(out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "Models: economy=%s premium=%s\n", cfg.Models.Economy, cfg.Models.Premium)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Embeddings: enabled=%v\n", cfg.Embedding.Enabled && cfg.EmbeddingKey() != "")
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "API: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)

	if _, err := os.Stat(cfg.Store.DBPath); err != nil {
		fmt.Fprintf(out, "Store: %s (not created yet)\n", cfg.Store.DBPath)
		return nil
	}
	fmt.Fprintf(out, "Store: %s\n", cfg.Store.DBPath)
	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		fmt.Fprintf(out, "Store: error (%v)\n", err)
		return nil
	}
	defer st.Close()
	ctx := context.Background()
	if ids, err := st.Users(ctx); err == nil {
		fmt.Fprintf(out, "Users: %d\n", len(ids))
	}
	if n, err := st.PendingTasks(ctx); err == nil {
		fmt.Fprintf(out, "Pending tasks: %d\n", n)
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "openai (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

// offline serves account commands, which never call the model.
type offline struct{}

func (offline) Complete(context.Context, llm.Request) (string, error) {
	return "", errors.New("model not available in this command")
}

func (offline) Stream(context.Context, llm.Request) (<-chan llm.Chunk, error) {
	return nil, errors.New("model not available in this command")
}

func openAccountCore() (*gateway.Core, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return gateway.OpenCore(cfg, gateway.Options{
		GeneratorFactory: func(*config.Config) (llm.Generator, error) { return offline{}, nil },
		Logger:           config.NewLogger(cfg.Log.Level),
	})
}

func showFacts(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	core, err := openAccountCore()
	if err != nil {
		return err
	}
	defer core.Close()

	sum := core.Service.Facts(ctx, userFlag)
	fmt.Fprintf(out, "User: %s (tier %s)\n", userFlag, sum.Tier)
	if len(sum.Facts) == 0 {
		fmt.Fprintln(out, "No facts saved.")
	}
	for _, f := range sum.Facts {
		fmt.Fprintf(out, "  - %s\n", f)
	}
	if sum.ExpiredCount > 0 {
		fmt.Fprintf(out, "Expired: %d\n", sum.ExpiredCount)
	}
	return nil
}

func setTier(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	core, err := openAccountCore()
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.Service.SetTier(ctx, userFlag, companion.Tier(tierFlag)); err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	b := core.Service.Balance(ctx, userFlag)
	fmt.Fprintf(out, "%s is now tier %s (balance %d)\n", userFlag, b.Tier, b.Balance)
	return nil
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}
