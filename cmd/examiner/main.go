// Command examiner serves the IELTS speaking examiner: a WebSocket session
// endpoint for the browser client plus the chat, punctuation, speech and
// notes HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/logging"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/models"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/settings"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	v := viper.New()

	root := &cobra.Command{
		Use:          "examiner",
		Short:        "IELTS speaking test examiner service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initViper(v, cfgFile); err != nil {
				return err
			}
			logging.Init(logging.Config{
				Level:      v.GetString("log_level"),
				Format:     v.GetString("log_format"),
				TimeFormat: time.RFC3339,
			})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	root.PersistentFlags().String("data-dir", "", "directory holding the settings file")
	_ = v.BindPFlag("data_dir", root.PersistentFlags().Lookup("data-dir"))

	root.AddCommand(
		newServeCmd(v),
		newSettingsCmd(v),
		newModelsCmd(v),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), loadConfig(v))
		},
	}
	cmd.Flags().String("port", "", "listen port")
	cmd.Flags().String("chat-engine", "", "chat backend (ollama, openai, agent, remote)")
	cmd.Flags().String("tts-engine", "", "speech backend (piper, kokoro, melotts, elevenlabs, remote)")
	_ = v.BindPFlag("port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("chat_engine", cmd.Flags().Lookup("chat-engine"))
	_ = v.BindPFlag("tts_engine", cmd.Flags().Lookup("tts-engine"))
	return cmd
}

func serve(ctx context.Context, cfg config) error {
	log := logging.WithComponent("main")

	if cfg.sentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.sentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.sentryEnv,
			Release:          version,
		})
		if err != nil {
			log.Warn().Err(err).Msg("sentry init failed")
		} else {
			log.Info().Msg("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newApp(ctx, cfg, log)
	defer a.close()

	srv := &http.Server{Addr: ":" + cfg.port, Handler: a.routes()}
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("chatEngine", cfg.chatEngine).
			Str("ttsEngine", cfg.ttsEngine).
			Int("maxConcurrent", cfg.maxConcurrent).
			Msg("examiner starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			sentry.CaptureException(err)
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Info().Msg("unloading ollama models")
	if err := a.ollama.UnloadAll(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ollama unload")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("examiner stopped")
	return nil
}

func newSettingsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the stored model settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := settings.NewStore(v.GetString("data_dir"))
			s, err := store.Load()
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), s)
		},
	}

	var in settings.Settings
	set := &cobra.Command{
		Use:   "set",
		Short: "Update the stored settings; omitted flags keep their value",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := settings.NewStore(v.GetString("data_dir"))
			s, err := store.Load()
			if err != nil {
				log := logging.WithComponent("settings")
				log.Warn().Err(err).Msg("replacing unreadable settings")
			}
			s = mergeSettings(s, in)
			saved, err := store.Save(s)
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), saved)
		},
	}
	set.Flags().StringVar(&in.ConversationModel, "conversation-model", "", "model used for the examiner conversation")
	set.Flags().StringVar(&in.ScoringModel, "scoring-model", "", "model used for scoring")
	set.Flags().StringVar(&in.OllamaEndpoint, "endpoint", "", "Ollama endpoint URL")

	cmd.AddCommand(show, set)
	return cmd
}

// mergeSettings overlays the non-blank fields of in onto s.
func mergeSettings(s, in settings.Settings) settings.Settings {
	if in.ConversationModel != "" {
		s.ConversationModel = in.ConversationModel
	}
	if in.ScoringModel != "" {
		s.ScoringModel = in.ScoringModel
	}
	if in.OllamaEndpoint != "" {
		s.OllamaEndpoint = in.OllamaEndpoint
	}
	return s
}

func printSettings(w io.Writer, s settings.Settings) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(s)
}

func newModelsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models installed and loaded in Ollama",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listModels(cmd.Context(), cmd.OutOrStdout(), models.NewOllama(v.GetString("ollama_url")))
		},
	}
}

func listModels(ctx context.Context, w io.Writer, o *models.Ollama) error {
	installed, err := o.List(ctx)
	if err != nil {
		return fmt.Errorf("list models at %s: %w", o.URL(), err)
	}
	loaded, err := o.Loaded(ctx)
	if err != nil {
		log := logging.WithComponent("models")
		log.Warn().Err(err).Msg("list loaded models")
	}
	resident := make(map[string]bool, len(loaded))
	for _, m := range loaded {
		resident[m.Name] = true
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE (MB)\tLOADED")
	for _, m := range installed {
		fmt.Fprintf(tw, "%s\t%d\t%t\n", m.Name, m.Size/(1024*1024), resident[m.Name])
	}
	return tw.Flush()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
