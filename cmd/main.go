package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/xhad/sitechat/internal/app"
	"github.com/xhad/sitechat/internal/models"
	"github.com/xhad/sitechat/internal/session"
	cfgPkg "github.com/xhad/sitechat/pkg/config"
	"github.com/xhad/sitechat/server"
)

var urlRegex = regexp.MustCompile(`^https?://[^\s]+$`)

type Flags struct {
	ConfigPath  string
	URL         string
	Serve       bool
	Addr        string
	Provider    string
	BaseURL     string
	DBUrl       string
	Backend     string
	Model       string
	MaxDepth    int
	Streaming   bool
	Temperature float64
	Verbose     bool
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	flags, set := parseFlags()

	level := zerolog.WarnLevel
	if flags.Verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := loadConfig(flags, set)
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flags, logger); err != nil {
		logger.Fatal().Err(err).Msg("sitechat failed")
	}
}

func parseFlags() (Flags, map[string]bool) {
	var flags Flags

	flag.StringVar(&flags.ConfigPath, "config", "", "Path to config file")
	flag.StringVar(&flags.URL, "url", "", "URL to load on startup")
	flag.BoolVar(&flags.Serve, "serve", false, "Run the WebSocket server instead of the interactive chat")
	flag.StringVar(&flags.Addr, "addr", ":8080", "WebSocket server listen address")
	flag.StringVar(&flags.Provider, "provider", "ollama", "LLM provider (ollama or openai)")
	flag.StringVar(&flags.BaseURL, "ollama-url", "", "Ollama server URL")
	flag.StringVar(&flags.DBUrl, "db-url", "", "PostgreSQL connection string")
	flag.StringVar(&flags.Backend, "backend", "chromem", "Embedding index backend (chromem or pgvector)")
	flag.StringVar(&flags.Model, "model", "mistral", "LLM model to use")
	flag.IntVar(&flags.MaxDepth, "max-depth", 0, "Maximum depth for following same-site links")
	flag.BoolVar(&flags.Streaming, "stream", true, "Enable streaming responses")
	flag.Float64Var(&flags.Temperature, "temperature", 0.7, "Set the LLM Temperature")
	flag.BoolVar(&flags.Verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return flags, set
}

// loadConfig reads the config file and lets explicitly set flags override it.
func loadConfig(flags Flags, set map[string]bool) (*cfgPkg.Config, error) {
	cfg, err := cfgPkg.LoadConfigWithOverrides(flags.ConfigPath, func(cfg *cfgPkg.Config) {
		if set["addr"] {
			cfg.Server.Addr = flags.Addr
		}
		if set["provider"] {
			cfg.LLM.Provider = flags.Provider
		}
		if set["ollama-url"] {
			cfg.LLM.BaseURL = flags.BaseURL
		}
		if set["db-url"] {
			cfg.Database.URL = flags.DBUrl
		}
		if set["backend"] {
			cfg.Index.Backend = flags.Backend
		}
		if set["model"] {
			cfg.LLM.Model = flags.Model
		}
		if set["max-depth"] {
			cfg.Scraper.MaxDepth = flags.MaxDepth
		}
		if set["stream"] {
			cfg.UI.Streaming = flags.Streaming
		}
		if set["temperature"] {
			cfg.LLM.Temperature = flags.Temperature
		}
	})
	if err != nil {
		return nil, err
	}

	if err := cfgPkg.Check(cfg.Validate()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
}

// spin animates a spinner until the returned stop function is called.
func spin(description string, pages *atomic.Int32) func() {
	bar := getSpinner(description)
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if pages != nil {
					if n := pages.Load(); n > 0 {
						bar.Describe(color.CyanString("%s (%d pages)", description, n))
					}
				}
				bar.Add(1)
			}
		}
	}()

	return func() {
		close(done)
		<-finished
		bar.Finish()
		fmt.Print("\r")
	}
}

type chat struct {
	manager   *session.Manager
	session   *session.Session
	streaming bool
	pages     atomic.Int32
}

func run(ctx context.Context, cfg *cfgPkg.Config, flags Flags, logger zerolog.Logger) error {
	if cfg.UI.Theme == "plain" {
		color.NoColor = true
	}

	c := &chat{streaming: cfg.UI.Streaming}

	a, err := app.New(ctx, cfg, app.Options{
		Logger: &logger,
		OnProgress: func(string) {
			c.pages.Add(1)
		},
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if flags.Serve {
		srv := server.NewWSServer(a.Manager, server.Config{
			Addr:      cfg.Server.Addr,
			Streaming: cfg.UI.Streaming,
			Logger:    &logger,
			Gatherer:  a.Registry,
		})
		color.Blue("Serving chat on %s (ws endpoint /ws)", cfg.Server.Addr)
		return srv.ListenAndServe(ctx)
	}

	c.manager = a.Manager
	c.session = session.NewSession()
	c.session.OnWarning(func(err error) {
		color.Yellow("\nWarning: %v\n", err)
	})

	if flags.URL != "" {
		c.load(ctx, flags.URL, false)
	}

	color.Cyan("\nChat with any web page. Paste a URL to load it, /help for commands, 'exit' to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()

	for {
		if ctx.Err() != nil {
			return nil
		}
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case strings.EqualFold(input, "exit"), strings.EqualFold(input, "quit"):
			return nil
		case input == "/help":
			printHelp()
		case input == "/history":
			c.printHistory()
		case input == "/clear":
			if err := c.manager.ClearHistory(ctx, c.session); err != nil {
				color.Yellow("Warning: %v\n", err)
			}
			color.Green("✓ Conversation cleared. Load a URL to start again.\n")
		case input == "/reload":
			if c.session.URL() == "" {
				color.Red("No URL loaded yet.\n")
				continue
			}
			c.load(ctx, c.session.URL(), true)
		case isCommand(input, "/load"):
			target := strings.TrimSpace(strings.TrimPrefix(input, "/load"))
			if target == "" {
				color.Red("Usage: /load <url>\n")
				continue
			}
			c.load(ctx, target, false)
		case urlRegex.MatchString(input):
			c.load(ctx, input, false)
		default:
			c.ask(ctx, input)
		}
	}

	return scanner.Err()
}

// isCommand reports whether input is name, alone or followed by arguments.
func isCommand(input, name string) bool {
	if input == name {
		return true
	}
	rest, ok := strings.CutPrefix(input, name)
	return ok && rest != "" && (rest[0] == ' ' || rest[0] == '\t')
}

func (c *chat) load(ctx context.Context, url string, force bool) {
	c.pages.Store(0)
	stop := spin("🌐 Loading "+url, &c.pages)
	result, err := c.manager.LoadURL(ctx, c.session, url, force)
	stop()

	if err != nil {
		switch session.KindOf(err) {
		case session.KindInvalidURL:
			color.Red("That does not look like a valid http(s) URL: %v\n", err)
		case session.KindUnreachable:
			color.Red("Could not reach %s: %v\n", url, err)
		default:
			color.Red("Error: %v\n", err)
		}
		return
	}

	if result.Reused {
		color.Green("✓ %s is already loaded\n", result.URL)
		return
	}
	color.Green("✓ Indexed %s (%d pages, %d chunks)\n", result.URL, result.Documents, result.Chunks)
	if transcript := c.session.Transcript(); len(transcript) > 0 {
		color.Cyan("Assistant: %s\n", transcript[0].Content)
	}
}

func (c *chat) ask(ctx context.Context, question string) {
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	if c.streaming {
		stop := spin("🤖 Generating response...", nil)
		started := false
		_, err := c.manager.AskStream(ctx, c.session, question, func(chunk string) {
			if !started {
				stop()
				started = true
				assistantPrompt("Assistant: ")
			}
			assistantPrompt("%s", chunk)
		})
		if !started {
			stop()
		}
		fmt.Print("\n")
		if err != nil {
			if started {
				color.Yellow("(the partial answer above was discarded)\n")
			}
			printAskError(err)
		}
		return
	}

	stop := spin("🤖 Generating response...", nil)
	answer, err := c.manager.Ask(ctx, c.session, question)
	stop()
	if err != nil {
		printAskError(err)
		return
	}
	assistantPrompt("Assistant: %s\n", answer)
}

func printAskError(err error) {
	if session.KindOf(err) == session.KindNotReady {
		color.Red("Load a URL first: paste it or use /load <url>.\n")
		return
	}
	color.Red("Error: %v\n", err)
}

func (c *chat) printHistory() {
	transcript := c.session.Transcript()
	if len(transcript) == 0 {
		color.Yellow("No conversation yet.\n")
		return
	}
	for _, turn := range transcript {
		switch turn.Role {
		case models.RoleHuman:
			color.Green("You: %s\n", turn.Content)
		case models.RoleAssistant:
			color.Cyan("Assistant: %s\n", turn.Content)
		}
	}
}

func printHelp() {
	color.Cyan(`Commands:
  <url>         load a web page (same as /load <url>)
  /load <url>   load a web page
  /reload       fetch and index the current page again
  /clear        forget the page and the conversation
  /history      show the conversation
  /help         show this help
  exit          quit`)
}
