// Command lon-node hosts a LON device stack on a USB network interface:
// it opens the link, restores persisted node state, and optionally runs
// the ISI self-installation engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	lon "github.com/ehrlich-b/go-lon"
	"github.com/ehrlich-b/go-lon/internal/hal"
	"github.com/ehrlich-b/go-lon/internal/logging"
	"github.com/ehrlich-b/go-lon/internal/persist"
	"github.com/ehrlich-b/go-lon/isi"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "lon-node",
	Short: "LON device stack host",
	Long: `lon-node runs a LON (ISO/IEC 14908) device stack over a USB network
interface. Devices publish and subscribe typed datapoints and either
self-install via ISI or are managed by a network tool.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelInfo
		if globalVerbose {
			level = logging.LevelDebug
		}
		logging.SetDefault(logging.NewLogger(&logging.Config{Level: level, Output: os.Stderr}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: /etc/lon-node/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(factoryResetCmd)
	rootCmd.AddCommand(versionCmd)
}

func configPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return DefaultConfigPath
}

// buildStack assembles the stack and engine from the configuration.
func buildStack(cfg *Config) (*lon.Stack, *isi.Engine, error) {
	store, err := persist.NewFileStore(cfg.Persist.Dir)
	if err != nil {
		return nil, nil, err
	}

	s := lon.NewStack(lon.ReadOnlyData{}, &lon.Options{Store: store})
	if res := s.RestoreNode(cfg.Persist.AppSignature); res != persist.OK && res != persist.NoPersistence {
		logging.Warn("node image restore failed", "result", res.String())
	}

	discipline := hal.DisciplineRaw
	if cfg.Interface.FlowControl {
		discipline = hal.DisciplineN8N1Flow
	}
	port, err := hal.OpenSerial(cfg.Interface.Device, discipline)
	if err != nil {
		return nil, nil, err
	}

	mode := lon.InterfaceLayer5
	if cfg.Interface.Layer == 2 {
		mode = lon.InterfaceLayer2
	}
	model := lon.FrameModelU50
	if cfg.Interface.Model == "u61" {
		model = lon.FrameModelU61
	}
	if err := s.OpenInterface(lon.InterfaceConfig{Index: 0, Transport: port, Mode: mode, Model: model}); err != nil {
		port.Close()
		return nil, nil, err
	}

	if !cfg.Isi.Enabled {
		return s, nil, nil
	}

	nid, err := hal.GetMacAddress()
	if err != nil {
		logging.Warn("no stable unique id available, using zero id")
	}
	engine := isi.New(isi.Config{
		Tables:       s.Tables(),
		Store:        store,
		Send:         s.Send,
		AppSignature: cfg.Persist.AppSignature,
		Channel:      isi.ChannelTpFt10,
		NeuronID:     nid,
	})
	s.RegisterIsiDispatcher(engine.Deliver)
	s.RegisterTickHook(func() { engine.Advance(10) })
	return s, engine, nil
}

func isiType(cfg *Config) isi.Type {
	switch cfg.Isi.Type {
	case "da":
		return isi.TypeDA
	case "das":
		return isi.TypeDAS
	default:
		return isi.TypeS
	}
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Run the node until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath())
		if err != nil {
			return err
		}
		s, engine, err := buildStack(cfg)
		if err != nil {
			return err
		}

		if engine != nil {
			did, err := cfg.DomainBytes()
			if err != nil {
				return err
			}
			var flags isi.Flags
			if cfg.Isi.Heartbeats {
				flags |= isi.FlagHeartbeats
			}
			if err := engine.Start(isi.ApiVersion, isiType(cfg), flags, cfg.Isi.Connections, len(did), did, cfg.Isi.RepeatCount); err != nil {
				return err
			}
			defer engine.Stop()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logging.Info("lon-node running", "device", cfg.Interface.Device, "isi", cfg.Isi.Enabled)

		err = s.Run(ctx)
		if err == context.Canceled {
			err = nil
		}
		if perr := s.PersistNode(cfg.Persist.AppSignature); perr != nil {
			logging.Error("node image persist failed", "err", perr)
		}
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted node state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath())
		if err != nil {
			return err
		}
		store, err := persist.NewFileStore(cfg.Persist.Dir)
		if err != nil {
			return err
		}
		s := lon.NewStack(lon.ReadOnlyData{}, &lon.Options{Store: store})
		res := s.RestoreNode(cfg.Persist.AppSignature)
		fmt.Printf("node image:   %s\n", res)

		d, _ := s.Tables().QueryDomain(0)
		if d.Invalid {
			fmt.Println("domain 0:     (not configured)")
		} else {
			fmt.Printf("domain 0:     id=%x len=%d subnet=%d node=%d\n", d.ID[:d.IDLength], d.IDLength, d.Subnet, d.Node)
		}
		mode, state := s.Tables().Mode()
		fmt.Printf("node mode:    %d state=%d\n", mode, state)
		return nil
	},
}

var factoryResetCmd = &cobra.Command{
	Use:   "factory-reset",
	Short: "Restore factory defaults and clear persisted state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath())
		if err != nil {
			return err
		}
		store, err := persist.NewFileStore(cfg.Persist.Dir)
		if err != nil {
			return err
		}
		for _, seg := range []persist.Segment{
			persist.SegmentNode,
			persist.SegmentIsi,
			persist.SegmentConnectionTable,
			persist.SegmentApplication,
		} {
			if err := store.Remove(seg); err != nil {
				return err
			}
		}
		fmt.Println("persisted state cleared")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the lon-node version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("lon-node", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
