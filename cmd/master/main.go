package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/denisbrodbeck/machineid"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/springinnovate/nci-ndr-analysis/pkg/catalog"
	"github.com/springinnovate/nci-ndr-analysis/pkg/fleet"
	"github.com/springinnovate/nci-ndr-analysis/pkg/log"
	"github.com/springinnovate/nci-ndr-analysis/pkg/master"
	"github.com/springinnovate/nci-ndr-analysis/pkg/staging"
	"github.com/springinnovate/nci-ndr-analysis/pkg/utils"
)

var config *Config

var rootCmd = &cobra.Command{
	Use:   "master",
	Short: "NCI NDR stitching master coordinator service",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetEnvPrefix("ndr")
		viper.AutomaticEnv()

		viper.SetConfigName("master.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/ndr/")
		viper.AddConfigPath("$HOME/.config/ndr")
		viper.AddConfigPath(".")

		viper.ReadInConfig()

		if err := utils.UnmarshalConfig(*viper.GetViper(), &config); err != nil {
			log.Fatal(err)
		}

		config.SetDefaults()
		config.Log()

		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			panic(err)
		}

		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(
			context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Stage setup artifacts before anything else touches the
		// workspace. Failure here aborts startup, like catalog init.
		if config.WatershedsURL != "" {
			stager := staging.New(nil)
			if _, err := stager.Fetch(ctx, config.WatershedsURL, config.EcoshardDir()); err != nil {
				log.Fatal(err)
			}
		}

		cat, err := catalog.Open(ctx, config.DatabasePath())
		if err != nil {
			log.Fatal(err)
		}
		defer cat.Close()

		if err := cat.Init(ctx, config.Scenarios, config.Rasters,
			config.GridStep, config.TokenPath()); err != nil {
			log.Fatal(err)
		}

		identity, err := machineid.ProtectedID("ndr-master")
		if err != nil {
			log.Warnf("no machine identity available: %v", err)
			identity = "unknown"
		}
		log.Infof("coordinator identity: %s", identity)

		coord := master.New(cat, master.Options{
			CallbackURL: fmt.Sprintf(
				"http://%s/api/v1/processing_complete", config.ExternalAddress),
			BucketURIPrefix:  config.BucketURIPrefix,
			PixelSize:        config.PixelSize,
			DispatchInterval: config.DispatchInterval,
			DispatchTimeout:  config.DispatchTimeout,
			Identity:         identity,
		})

		monitor := &fleet.Monitor{
			Reconciler: coord,
			Interval:   config.PollInterval,
		}
		if len(config.Workers) > 0 {
			monitor.Source = fleet.StaticSource(config.Workers)
			monitor.Once = true
		} else {
			source, err := fleet.NewEC2Source(ctx, config.WorkerTag, config.WorkerPort)
			if err != nil {
				log.Fatal(err)
			}
			monitor.Source = source
		}

		host, err := utils.ParseHttpUrl(config.Listen)
		if err != nil {
			log.Fatal(err)
		}
		log.Info("Listening on http", host)

		r := echo.New()
		r.HideBanner = true
		r.Use(utils.HttpLogger)
		master.NewHttpHandler(coord, r)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return monitor.Run(ctx) })
		g.Go(func() error { return coord.Run(ctx) })
		g.Go(func() error {
			consumeResults(ctx, coord)
			return nil
		})
		go http.ListenAndServe(host, r)

		if err := g.Wait(); err != nil {
			log.Fatal(err)
		}
	},
}

// Results are consumed here only for operator visibility; downstream
// stitch assembly reads the uploaded artifacts from the bucket directly.
func consumeResults(ctx context.Context, coord *master.Coordinator) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-coord.Results():
			log.Infof("completed %s/%s (%g, %g) on %s",
				result.Session.Payload.ScenarioID,
				result.Session.Payload.RasterID,
				result.Session.Payload.LngMin,
				result.Session.Payload.LatMin,
				result.Session.Worker)
		}
	}
}

func init() {
	rootCmd.Flags().StringP("listen", "l", "tcp://:8080", "Address to listen on for HTTP connections")
	rootCmd.Flags().String("external-address", "localhost:8080", "Externally reachable host:port for worker callbacks")
	rootCmd.Flags().StringSliceP("worker", "w", nil, "Static worker host:port list, bypasses EC2 discovery")
	rootCmd.Flags().Float64("grid-step", 2.0, "Grid cell size in degrees")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("listen", rootCmd.Flags().Lookup("listen"))
	viper.BindPFlag("external_address", rootCmd.Flags().Lookup("external-address"))
	viper.BindPFlag("workers", rootCmd.Flags().Lookup("worker"))
	viper.BindPFlag("grid_step", rootCmd.Flags().Lookup("grid-step"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
