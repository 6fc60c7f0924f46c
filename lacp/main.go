//
//Copyright [2016] [SnapRoute Inc]
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//	 Unless required by applicable law or agreed to in writing, software
//	 distributed under the License is distributed on an "AS IS" BASIS,
//	 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//	 See the License for the specific language governing permissions and
//	 limitations under the License.
//

// main
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/oshothebig/l2/lacp/config"
	"github.com/oshothebig/l2/lacp/lalinux"
	lacp "github.com/oshothebig/l2/lacp/protocol"
	"github.com/oshothebig/l2/lacp/server"
	"github.com/oshothebig/l2/lacp/store"
)

// CLI is the root command structure for lacpd.
type CLI struct {
	Config   string `name:"config" help:"Config file path." default:"${default_config_path}"`
	LogLevel string `name:"log-level" help:"Override logging.level (debug, info, warn, error)."`

	Serve ServeCmd `cmd:"" help:"Run the LACP daemon."`
	Check CheckCmd `cmd:"" name:"config" help:"Configuration commands."`
	Store StoreCmd `cmd:"" help:"Persisted state commands."`
}

func (c *CLI) loadConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return cfg, err
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", c.Config, err)
	}
	return cfg, nil
}

func newLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level, err := lc.ZapLevel()
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if lc.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// ServeCmd runs the daemon.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	aggs := cfg.Aggregators
	var st server.StateStore
	if cfg.Store.Path != "" {
		db, err := store.Open(ctx, cfg.Store.Path, logger.Named("store"))
		if err != nil {
			return err
		}
		defer db.Close()
		stored, err := db.Load(ctx)
		if err != nil {
			return err
		}
		if len(stored) == 0 {
			if err := db.Seed(ctx, cfg.Aggregators); err != nil {
				return err
			}
			logger.Info("store seeded from config", zap.Int("aggregators", len(cfg.Aggregators)))
		} else {
			aggs = stored
		}
		st = db
	}

	sysId, err := cfg.System.SystemId(firstMemberMac(aggs))
	if err != nil {
		return err
	}

	ports := lalinux.NewPcapDriver(logger)
	defer ports.Close()

	srv := server.NewLAServer(server.Config{
		SystemId:    sysId,
		Logger:      logger,
		Ports:       ports,
		Links:       &lalinux.NetlinkMonitor{Logger: logger.Named("netlink")},
		Trunks:      &lalinux.BondTrunk{Logger: logger.Named("bond")},
		Store:       st,
		Aggregators: aggs,
	})
	return srv.Run(ctx)
}

// firstMemberMac is the fallback system id when none is configured.
func firstMemberMac(aggs []config.AggregatorConfig) net.HardwareAddr {
	for _, a := range aggs {
		for _, m := range a.Members {
			if intf, err := net.InterfaceByName(m); err == nil && len(intf.HardwareAddr) == 6 {
				return intf.HardwareAddr
			}
		}
	}
	return nil
}

// CheckCmd groups configuration commands.
type CheckCmd struct {
	Check ConfigCheckCmd `cmd:"" help:"Validate the configuration file."`
}

type ConfigCheckCmd struct{}

func (c *ConfigCheckCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	members := 0
	for _, a := range cfg.Aggregators {
		members += len(a.Members)
	}
	fmt.Printf("%s: ok, %d aggregators, %d members\n", cli.Config, len(cfg.Aggregators), members)
	return nil
}

// StoreCmd groups persisted state commands.
type StoreCmd struct {
	Dump StoreDumpCmd `cmd:"" help:"Print persisted aggregators and members."`
}

type StoreDumpCmd struct {
	Path string `name:"path" help:"Database path, defaults to store.path from the config."`
}

func (c *StoreDumpCmd) Run(cli *CLI) error {
	path := c.Path
	if path == "" {
		cfg, err := cli.loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Store.Path
	}
	if path == "" {
		return fmt.Errorf("no store path configured")
	}
	ctx := context.Background()
	db, err := store.Open(ctx, path, nil)
	if err != nil {
		return err
	}
	defer db.Close()
	aggs, err := db.Load(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKEY\tMODE\tTIMEOUT\tMAX ACTIVE\tMEMBERS")
	for _, a := range aggs {
		maxActive := fmt.Sprint(a.MaxActivePorts)
		if a.MaxActivePorts == 0 {
			maxActive = fmt.Sprint(lacp.LacpMaxDistributingPorts)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%v\n", a.Id, a.Name, a.Key, a.Mode, a.Timeout, maxActive, a.Members)
	}
	return w.Flush()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("lacpd"),
		kong.Description("IEEE 802.1AX link aggregation control protocol daemon."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
		},
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
