// Command sigmatrader is a text-menu front end for the broker session
// client: connect, switch accounts, inspect balances, list open assets and
// fetch candles.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/thiago95macedo/sigmatrader/broker"
	feedws "github.com/thiago95macedo/sigmatrader/broker/websocket"
	"github.com/thiago95macedo/sigmatrader/report"
	"github.com/thiago95macedo/sigmatrader/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	envPath := flag.String("env", ".env", "path to .env credentials file")
	flag.Parse()

	// Credentials come from the environment, never from the config file.
	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envPath, err)
		os.Exit(1)
	}

	cfg := broker.DefaultConfig()
	if *configPath != "" {
		loaded, err := broker.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	email := os.Getenv("SIGMATRADER_EMAIL")
	password := os.Getenv("SIGMATRADER_PASSWORD")

	var db *store.SQLiteStore
	if cfg.Storage.DBPath != "" {
		var err error
		db, err = store.Open(cfg.Storage.DBPath, logger)
		if err != nil {
			logger.Warn("store unavailable, continuing without persistence", "error", err)
		} else {
			defer db.Close()
		}
	}

	// Fall back to stored credentials when the environment has none.
	defaultType := broker.ParseAccountType(os.Getenv("SIGMATRADER_ACCOUNT_TYPE"))
	if (email == "" || password == "") && db != nil {
		creds, err := db.LoadCredentials(context.Background(), 1)
		if err == nil {
			email, password = creds.Email, creds.Secret
			if defaultType == broker.AccountUnknown {
				defaultType = creds.DefaultType
			}
		}
	}
	if defaultType == broker.AccountUnknown {
		defaultType = broker.AccountDemo
	}

	auth, err := broker.NewPasswordAuthClient(email, password, cfg.Broker.BaseURL, cfg.Broker.WebSocketURL, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\nset SIGMATRADER_EMAIL and SIGMATRADER_PASSWORD\n", err)
		os.Exit(1)
	}

	state := broker.NewSessionState()
	feed := feedws.NewClient(auth, state, feedws.Options{
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		BaseReconnectDelay:   cfg.BaseReconnectDelay(),
		CacheCapacity:        cfg.Feed.CacheCapacity,
		CallTimeout:          cfg.CallTimeout(),
	}, logger)

	var sessionStore broker.Store
	if db != nil {
		sessionStore = db
	}
	session, err := broker.NewSession(broker.SessionOptions{
		Feed:         feed,
		State:        state,
		Store:        sessionStore,
		AccountID:    1,
		ConfirmPolls: cfg.Switch.ConfirmPolls,
		ConfirmPause: cfg.ConfirmPause(),
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	runMenu(session, feed, cfg, defaultType)
}

func runMenu(session *broker.Session, feed *feedws.Client, cfg *broker.Config, defaultType broker.AccountType) {
	scanner := bufio.NewScanner(os.Stdin)
	defer session.Disconnect()

	for {
		fmt.Println()
		fmt.Println("sigmatrader")
		fmt.Println(" 1) connect")
		fmt.Println(" 2) switch account type")
		fmt.Println(" 3) show balance")
		fmt.Println(" 4) list open assets")
		fmt.Println(" 5) fetch candles")
		fmt.Println(" 6) disconnect")
		fmt.Println(" 0) quit")
		fmt.Print("> ")

		if !scanner.Scan() {
			return
		}
		choice := strings.TrimSpace(scanner.Text())
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)

		switch choice {
		case "1":
			if err := session.Connect(ctx, defaultType); err != nil {
				reportError("connect", err)
			} else {
				printSnapshot(session.Snapshot())
			}
		case "2":
			fmt.Print("account type (REAL/DEMO/TOURNAMENT): ")
			if !scanner.Scan() {
				cancel()
				return
			}
			target := broker.ParseAccountType(scanner.Text())
			if err := session.SelectAccountType(ctx, target); err != nil {
				reportError("switch", err)
			} else {
				printSnapshot(session.Snapshot())
			}
		case "3":
			if err := session.RefreshBalance(ctx); err != nil {
				reportError("balance", err)
			}
			printSnapshot(session.Snapshot())
		case "4":
			listAssets(ctx, scanner, session, cfg)
		case "5":
			fetchCandles(ctx, scanner, session)
		case "6":
			if err := session.Disconnect(); err != nil {
				reportError("disconnect", err)
			} else {
				fmt.Println("disconnected")
			}
		case "0", "q", "quit":
			cancel()
			return
		default:
			fmt.Println("unknown option")
		}
		cancel()

		if feed.Status() == broker.StatusClosed {
			fmt.Println("session is terminally closed; restart to build a new one")
			return
		}
	}
}

func listAssets(ctx context.Context, scanner *bufio.Scanner, session *broker.Session, cfg *broker.Config) {
	fmt.Print("segment (binary/digital/forex/crypto): ")
	if !scanner.Scan() {
		return
	}
	segment := broker.MarketSegment(strings.ToLower(strings.TrimSpace(scanner.Text())))

	fmt.Print("minimum payout percent (0 for none): ")
	if !scanner.Scan() {
		return
	}
	minPayout, _ := strconv.Atoi(strings.TrimSpace(scanner.Text()))

	quotes, err := session.ResolveOpenAssets(ctx, segment, minPayout)
	if err != nil {
		reportError("assets", err)
		return
	}
	for i, q := range quotes {
		payout := "n/a"
		if q.Payout != nil {
			payout = fmt.Sprintf("%d%%", *q.Payout)
		}
		market := "regular"
		if q.OTC {
			market = "OTC"
		}
		fmt.Printf("%3d. %-12s payout %-5s %s\n", i+1, q.Symbol, payout, market)
	}

	if len(quotes) > 0 && cfg.Report.Dir != "" {
		path, err := report.Write(cfg.Report.Dir, segment, minPayout, quotes, time.Now())
		if err != nil {
			reportError("report", err)
		} else {
			fmt.Printf("report written to %s\n", path)
		}
	}
}

func fetchCandles(ctx context.Context, scanner *bufio.Scanner, session *broker.Session) {
	fmt.Print("symbol: ")
	if !scanner.Scan() {
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(scanner.Text()))

	fmt.Print("interval seconds (e.g. 60): ")
	if !scanner.Scan() {
		return
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || seconds <= 0 {
		fmt.Println("invalid interval")
		return
	}

	fmt.Print("count: ")
	if !scanner.Scan() {
		return
	}
	count, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || count <= 0 {
		fmt.Println("invalid count")
		return
	}

	candles, err := session.GetCandles(ctx, symbol, time.Duration(seconds)*time.Second, count)
	if err != nil {
		reportError("candles", err)
		return
	}
	for _, c := range candles {
		fmt.Printf("%s  O %.5f  H %.5f  L %.5f  C %.5f  V %.0f\n",
			time.Unix(c.From, 0).Format("2006-01-02 15:04"),
			c.Open, c.High, c.Low, c.Close, c.Volume)
	}
}

func printSnapshot(snap broker.SessionSnapshot) {
	fmt.Printf("status: %s  account: %s  balance: %s %s\n",
		snap.Status, snap.AccountType, snap.Balance.StringFixed(2), snap.Currency)
	if snap.Profile != nil {
		fmt.Printf("profile: %s (%s)\n", snap.Profile.Name, snap.Profile.Nickname)
	}
}

func reportError(op string, err error) {
	kind := broker.KindOf(err)
	if kind == "" {
		fmt.Printf("%s failed: %v\n", op, err)
		return
	}
	fmt.Printf("%s failed [%s]: %v\n", op, kind, err)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
