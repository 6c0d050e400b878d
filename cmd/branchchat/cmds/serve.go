package cmds

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/orchestrator"
	"github.com/go-go-golems/branchchat/pkg/server"
)

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			settings, err := LoadSettings(cmd)
			if err != nil {
				return err
			}
			rt, err := NewRuntime(ctx, settings)
			if err != nil {
				return err
			}
			defer func() {
				_ = rt.Close()
			}()

			router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
			if err != nil {
				return err
			}
			defer func() {
				_ = router.Close()
			}()
			router.AddHandler("log-events", events.LogEvent)

			orch := rt.Orchestrator(orchestrator.WithObserver(router.Sink()))
			if !viper.GetBool("verbose") {
				gin.SetMode(gin.ReleaseMode)
			}
			srv := server.NewServer(rt.Store, orch, server.WithEventRouter(router))

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return router.Run(ctx)
			})
			eg.Go(func() error {
				<-router.Running()
				log.Info().
					Strs("providers", rt.Registry.IDs()).
					Str("storage", settings.Storage.Driver).
					Str("dedup", settings.Dedup.Driver).
					Msg("starting branchchat")
				return srv.Run(ctx, settings.Server.Addr)
			})
			return eg.Wait()
		},
	}
	cmd.Flags().String("addr", ":8080", "Address to listen on")
	addStorageFlags(cmd.Flags())
	addOrchestratorFlags(cmd.Flags())
	return cmd
}
