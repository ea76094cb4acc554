// Command engine runs the market-microstructure pipeline: one OrderBookState
// and OrderFlowPreprocessor per configured symbol, feeding a shared
// SignalValidationLedger instance per symbol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vitos/microstructure-core/internal/domain"
	"github.com/vitos/microstructure-core/internal/feed"
	"github.com/vitos/microstructure-core/internal/fixedpoint"
	"github.com/vitos/microstructure-core/internal/infrastructure/logger"
	"github.com/vitos/microstructure-core/internal/infrastructure/storage"
	"github.com/vitos/microstructure-core/internal/orderbook"
	"github.com/vitos/microstructure-core/internal/orderflow"
	"github.com/vitos/microstructure-core/internal/validation"
)

// Config is the immutable top-level process configuration, loaded once at
// startup and never mutated.
type Config struct {
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Exchange struct {
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"exchange"`
	Outcomes struct {
		Dir             string `yaml:"dir"`
		MaxBufferSize   int    `yaml:"max_buffer_size"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
	} `yaml:"outcomes"`
	Index struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"index"`
	Symbols []SymbolConfig `yaml:"symbols"`
}

// SymbolConfig is the per-symbol slice of Config.
type SymbolConfig struct {
	Symbol                string  `yaml:"symbol"`
	Precision             int     `yaml:"precision"`
	MaxLevels             int     `yaml:"max_levels"`
	MaxPriceDistance      float64 `yaml:"max_price_distance"`
	PruneIntervalMs       int     `yaml:"prune_interval_ms"`
	MaxErrorRate          int     `yaml:"max_error_rate"`
	Resolutions           []int   `yaml:"resolutions"`
	TimeWindowMs          int     `yaml:"time_window_ms"`
	MaxZonesPerResolution int     `yaml:"max_zones_per_resolution"`
	DepthHistoryLen       int     `yaml:"depth_history_len"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// symbolPipeline bundles the three per-symbol components sharing one
// trade-processing lane.
type symbolPipeline struct {
	scale  fixedpoint.Scale
	book   *orderbook.State
	flow   *orderflow.Preprocessor
	ledger *validation.Ledger
}

func main() {
	cfg, err := loadConfig("config/config.yaml")
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.Outcomes.Dir, 0o755); err != nil {
		log.Fatal("failed to create outcomes dir", zap.Error(err))
	}
	primarySink, err := validation.NewJSONLSink(cfg.Outcomes.Dir, cfg.Outcomes.MaxBufferSize, log)
	if err != nil {
		log.Fatal("failed to init jsonl sink", zap.Error(err))
	}
	defer primarySink.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.Index.DBPath), 0o755); err != nil {
		log.Fatal("failed to create index db dir", zap.Error(err))
	}
	indexStore, err := storage.NewIndexStore(cfg.Index.DBPath)
	if err != nil {
		log.Fatal("failed to init index store", zap.Error(err))
	}
	defer indexStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	symbols := make([]string, 0, len(cfg.Symbols))
	for _, sc := range cfg.Symbols {
		symbols = append(symbols, sc.Symbol)
	}

	// Bybit multiplexes every symbol's depth and trade stream over one
	// websocket connection, so one feed instance serves them all. Per-symbol
	// price/quantity parsing still uses each symbol's own configured scale,
	// which the feed applies once it is registered via RegisterSymbolScale
	// below.
	marketFeed := feed.NewBybitFeed(cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, fixedpoint.NewScale(8), log)

	pipelines := make(map[string]*symbolPipeline, len(cfg.Symbols))
	for _, sc := range cfg.Symbols {
		scale := fixedpoint.NewScale(sc.Precision)

		bookCfg := orderbook.Config{
			Symbol:           sc.Symbol,
			Precision:        sc.Precision,
			MaxLevels:        sc.MaxLevels,
			MaxPriceDistance: sc.MaxPriceDistance,
			PruneInterval:    time.Duration(sc.PruneIntervalMs) * time.Millisecond,
			MaxErrorRate:     sc.MaxErrorRate,
		}
		book := orderbook.New(bookCfg, marketFeed, log)

		flowCfg := orderflow.Config{
			Symbol:                sc.Symbol,
			Resolutions:           sc.Resolutions,
			TimeWindow:            time.Duration(sc.TimeWindowMs) * time.Millisecond,
			MaxZonesPerResolution: sc.MaxZonesPerResolution,
			DepthHistoryLen:       sc.DepthHistoryLen,
		}
		flow := orderflow.New(flowCfg, book, scale, log)

		ledger := validation.New(validation.Config{Symbol: sc.Symbol, Scale: scale}, primarySink, indexStore, log)

		marketFeed.RegisterSymbolScale(sc.Symbol, scale)
		pipelines[sc.Symbol] = &symbolPipeline{scale: scale, book: book, flow: flow, ledger: ledger}

		if err := book.Init(ctx); err != nil {
			log.Error("initial snapshot load failed, book starts unhealthy", zap.String("symbol", sc.Symbol), zap.Error(err))
		}
		book.StartMaintenance(ctx)
	}

	if err := marketFeed.Connect(ctx, symbols); err != nil {
		log.Fatal("failed to connect market feed", zap.Error(err))
	}

	go primarySink.StartFlushLoop(ctx, time.Duration(cfg.Outcomes.FlushIntervalMs)*time.Millisecond)
	go runDiffLoop(ctx, marketFeed, pipelines, log)
	go runTradeLoop(ctx, marketFeed, pipelines, log)
	go runValidationTimerLoop(ctx, pipelines)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	cancel()
	for symbol, p := range pipelines {
		if err := p.ledger.Shutdown(context.Background()); err != nil {
			log.Error("ledger shutdown failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	marketFeed.Close()
}

func runDiffLoop(ctx context.Context, f *feed.BybitFeed, pipelines map[string]*symbolPipeline, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case diff := <-f.Diffs():
			p, ok := pipelines[diff.Symbol]
			if !ok {
				continue
			}
			if err := p.book.ApplyDiff(diff); err != nil {
				if gapErr, isGap := err.(*domain.ErrSequenceGap); isGap {
					log.Warn("sequence gap, recovering", zap.String("symbol", diff.Symbol), zap.Error(gapErr))
					if err := p.book.Recover(ctx); err != nil {
						log.Error("recover failed", zap.String("symbol", diff.Symbol), zap.Error(err))
					}
				}
			}
		}
	}
}

func runTradeLoop(ctx context.Context, f *feed.BybitFeed, pipelines map[string]*symbolPipeline, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case trade := <-f.Trades():
			p, ok := pipelines[trade.Symbol]
			if !ok {
				continue
			}
			enriched := p.flow.Process(trade)
			p.ledger.UpdateCurrentPrice(enriched.Timestamp, enriched.Price)
			p.ledger.ProcessDue(ctx, enriched.Timestamp)
		}
	}
}

// runValidationTimerLoop drives ledger timer checks even during quiet
// periods with no trades, since ProcessDue is otherwise only invoked from
// the trade loop.
func runValidationTimerLoop(ctx context.Context, pipelines map[string]*symbolPipeline) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			for _, p := range pipelines {
				p.ledger.ProcessDue(ctx, now)
			}
		}
	}
}
