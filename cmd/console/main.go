package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"coinlink-go/internal/config"
)

const defaultConfigPath = "internal/config/config.yaml"

var client = &fasthttp.Client{Name: "coinlink-console", ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}

func main() {
	reader := bufio.NewReader(os.Stdin)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== CoinLink Control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit alert thresholds")
		fmt.Println("3) Edit sentiment and push settings")
		fmt.Println("4) Save config")
		fmt.Println("5) Launch service")
		fmt.Println("6) Reload config from disk")
		fmt.Println("7) Show live market summary")
		fmt.Println("8) Inject a synthetic tick")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		choice := strings.TrimSpace(input)

		switch choice {
		case "1":
			printSummary(cfg)
		case "2":
			editAlerts(reader, cfg)
		case "3":
			editSentiment(reader, cfg)
		case "4":
			if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "5":
			launchService(reader)
		case "6":
			reloaded, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "7":
			showLive(cfg)
		case "8":
			injectTick(reader, cfg)
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(cfg *config.Config) {
	fmt.Println("\n--- Configuration Summary ---")
	fmt.Printf("Instrument: %s via %s\n", cfg.Exchange.Symbol, cfg.Exchange.Provider)
	fmt.Printf("HTTP: %s | metrics: %s\n", cfg.App.HTTPAddr, cfg.App.MetricsAddr)
	fmt.Printf("Price move: %.2f%% in 1m\n", cfg.Alerts.PriceMovePct)
	fmt.Printf("RSI bands: %.0f / %.0f (bar %ds)\n", cfg.Alerts.RSIOversold, cfg.Alerts.RSIOverbought, cfg.Market.BarInterval)
	fmt.Printf("Level breach: within %.2f%%\n", cfg.Alerts.BreachPct)
	fmt.Printf("Volume spike: %.1fx the 5m average\n", cfg.Alerts.VolumeRatio)
	fmt.Printf("Cooldown: %ds\n", cfg.Alerts.Cooldown)
	for kind, secs := range cfg.Alerts.Cooldowns {
		fmt.Printf("  %s override: %ds\n", kind, secs)
	}
	fmt.Printf("Correlation window: %dm, max lead/lag %dm, stale after %ds\n",
		cfg.Sentiment.WindowMins, cfg.Sentiment.MaxShiftMins, cfg.Sentiment.StaleAfter)
	fmt.Printf("Kafka: %v %s (%s)\n", cfg.Sentiment.Kafka.Enabled, cfg.Sentiment.Kafka.Topic, strings.Join(cfg.Sentiment.Kafka.Brokers, ","))
	fmt.Printf("Redis: %v %s\n", cfg.Redis.Enabled, cfg.Redis.Addr)
}

func editAlerts(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Alert Thresholds ---")
	cfg.Alerts.PriceMovePct = promptFloat(reader, "Price move (%)", cfg.Alerts.PriceMovePct)
	cfg.Alerts.RSIOverbought = promptFloat(reader, "RSI overbought", cfg.Alerts.RSIOverbought)
	cfg.Alerts.RSIOversold = promptFloat(reader, "RSI oversold", cfg.Alerts.RSIOversold)
	cfg.Alerts.BreachPct = promptFloat(reader, "Level breach distance (%)", cfg.Alerts.BreachPct)
	cfg.Alerts.VolumeRatio = promptFloat(reader, "Volume spike ratio", cfg.Alerts.VolumeRatio)
	cfg.Alerts.Cooldown = int(promptFloat(reader, "Cooldown (s)", float64(cfg.Alerts.Cooldown)))
}

func editSentiment(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Sentiment / Push ---")
	cfg.Sentiment.WindowMins = int(promptFloat(reader, "Correlation window (min)", float64(cfg.Sentiment.WindowMins)))
	cfg.Sentiment.MaxShiftMins = int(promptFloat(reader, "Max lead/lag (min)", float64(cfg.Sentiment.MaxShiftMins)))
	cfg.Sentiment.StaleAfter = int(promptFloat(reader, "Stale after (s)", float64(cfg.Sentiment.StaleAfter)))
	fmt.Printf("Kafka brokers [%s]: ", strings.Join(cfg.Sentiment.Kafka.Brokers, ","))
	if line, _ := reader.ReadString('\n'); strings.TrimSpace(line) != "" {
		cfg.Sentiment.Kafka.Brokers = nil
		for _, p := range strings.Split(strings.TrimSpace(line), ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cfg.Sentiment.Kafka.Brokers = append(cfg.Sentiment.Kafka.Brokers, trimmed)
			}
		}
	}
	cfg.Broadcast.PingInterval = int(promptFloat(reader, "Ping interval (s)", float64(cfg.Broadcast.PingInterval)))
	cfg.Broadcast.SnapshotInterval = int(promptFloat(reader, "Snapshot push interval (s)", float64(cfg.Broadcast.SnapshotInterval)))
}

func launchService(reader *bufio.Reader) {
	fmt.Println("Launching coinlink (Ctrl+C to stop)...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/coinlink")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start service: %v\n", err)
		return
	}

	go func() {
		_ = cmd.Wait()
		cancel()
	}()

	fmt.Print("\nPress ENTER to stop the service and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func baseURL(cfg *config.Config) string {
	addr := cfg.App.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func call(method, url string, body []byte) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}
	if err := client.Do(req, resp); err != nil {
		return nil, 0, err
	}
	return append([]byte(nil), resp.Body()...), resp.StatusCode(), nil
}

func showLive(cfg *config.Config) {
	body, status, err := call(fasthttp.MethodGet, baseURL(cfg)+"/api/summary", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "summary request failed: %v\n", err)
		return
	}
	if status != fasthttp.StatusOK {
		fmt.Printf("summary unavailable (%d): %s\n", status, gjson.GetBytes(body, "error").String())
	} else {
		fmt.Printf("\n%s %.2f (RSI %.1f, v%d, stale=%v)\n",
			gjson.GetBytes(body, "symbol").String(),
			gjson.GetBytes(body, "price").Float(),
			gjson.GetBytes(body, "rsi").Float(),
			gjson.GetBytes(body, "version").Int(),
			gjson.GetBytes(body, "stale").Bool())
		gjson.GetBytes(body, "changes").ForEach(func(k, v gjson.Result) bool {
			if v.Type == gjson.Null {
				fmt.Printf("  %-4s n/a\n", k.String())
			} else {
				fmt.Printf("  %-4s %+.2f%%\n", k.String(), v.Float())
			}
			return true
		})
	}

	body, _, err = call(fasthttp.MethodGet, baseURL(cfg)+"/api/correlation", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "correlation request failed: %v\n", err)
		return
	}
	fmt.Printf("Sentiment correlation %.3f (%s, %d pairs), lead/lag %dm at %.3f\n",
		gjson.GetBytes(body, "coefficient").Float(),
		gjson.GetBytes(body, "confidence").String(),
		gjson.GetBytes(body, "samples").Int(),
		gjson.GetBytes(body, "lead_lag_minutes").Int(),
		gjson.GetBytes(body, "lead_lag_coefficient").Float())
}

func injectTick(reader *bufio.Reader, cfg *config.Config) {
	price := promptFloat(reader, "Price", 0)
	volume := promptFloat(reader, "Volume", 1)
	payload := fmt.Sprintf(`{"price":%s,"volume":%s}`,
		strconv.FormatFloat(price, 'f', -1, 64), strconv.FormatFloat(volume, 'f', -1, 64))
	body, status, err := call(fasthttp.MethodPost, baseURL(cfg)+"/api/ticks", []byte(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "inject failed: %v\n", err)
		return
	}
	if status != fasthttp.StatusAccepted {
		fmt.Printf("tick rejected (%d): %s\n", status, strings.TrimSpace(string(body)))
		return
	}
	fmt.Println("tick accepted")
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%.2f]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %.2f\n", current)
		return current
	}
	return val
}

func loadConfig() (*config.Config, error) {
	return config.Load(locateConfig())
}

func saveConfig(cfg *config.Config) error {
	return config.Save(locateConfig(), cfg)
}

func locateConfig() string {
	if p := os.Getenv("COINLINK_CONFIG"); p != "" {
		return filepath.Clean(p)
	}
	return filepath.Clean(defaultConfigPath)
}
