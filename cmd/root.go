package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/powere-ch/guide-cli/pkg/config"
	"github.com/powere-ch/guide-cli/pkg/controllers"
	"github.com/powere-ch/guide-cli/pkg/guide"
	"github.com/powere-ch/guide-cli/pkg/headless"
	"github.com/powere-ch/guide-cli/pkg/logger"
	"github.com/powere-ch/guide-cli/pkg/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "guide",
	Short: "Chat with the powere.ch AI guide",
	Long: `Terminal client for the powere.ch AI-guide service. Streams answers
token by token, falls back to the non-streaming endpoint when the stream
stalls, and keeps the conversation going across sessions.`,
	Run: func(cmd *cobra.Command, args []string) {
		gc, cleanup, err := buildController()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		if prompt := viper.GetString("prompt"); prompt != "" {
			if err := headless.RunHeadless(gc, prompt); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		if err := runRepl(gc); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

// buildController wires config, transport, and durable state into the
// session controller. The returned cleanup closes the store and log file.
func buildController() (*controllers.GuideController, func(), error) {
	settings := config.Get()

	var client *guide.Client
	if settings.Chat.Debug {
		client = guide.NewDebugClient(settings.Server.URL)
	} else {
		client = guide.NewClient(settings.Server.URL)
	}

	st, err := store.Open(config.BuildSettingsPath("guide.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state store: %w", err)
	}

	gc, err := controllers.NewGuideController(client, st, controllers.Options{
		TopK:              settings.Chat.TopK,
		FirstTokenTimeout: settings.Chat.FirstTokenTimeout,
		HardTimeout:       settings.Chat.HardTimeout,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	if viper.GetBool("no-continue") {
		if err := gc.Reset(); err != nil {
			st.Close()
			return nil, nil, err
		}
	}

	cleanup := func() {
		_ = st.Close()
		_ = logger.Close()
	}
	return gc, cleanup, nil
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ~/.guide/settings.yaml)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("server", "http://localhost:8000", "AI-guide server base URL")
	viper.BindPFlag("server.url", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.PersistentFlags().Int("top-k", 5, "number of documents to retrieve per question")
	viper.BindPFlag("chat.top_k", rootCmd.PersistentFlags().Lookup("top-k"))

	rootCmd.PersistentFlags().Bool("debug", false, "request per-stage debug meta from the server")
	viper.BindPFlag("chat.debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.PersistentFlags().StringP("prompt", "p", "", "execute a single prompt and exit")
	viper.BindPFlag("prompt", rootCmd.PersistentFlags().Lookup("prompt"))

	rootCmd.PersistentFlags().Bool("no-continue", false, "start a fresh conversation instead of continuing the last one")
	viper.BindPFlag("no-continue", rootCmd.PersistentFlags().Lookup("no-continue"))
}

func initConfig() {
	if err := config.Init(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
}
