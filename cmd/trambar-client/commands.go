package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/trambar/internal/client"
	"github.com/MarcoPoloResearchLab/trambar/internal/config"
	"github.com/MarcoPoloResearchLab/trambar/internal/database"
	"github.com/MarcoPoloResearchLab/trambar/internal/localstore"
	"github.com/MarcoPoloResearchLab/trambar/internal/logging"
	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
	"github.com/MarcoPoloResearchLab/trambar/internal/remote"
)

// workspace holds what every command needs, opened from the client configuration.
type workspace struct {
	config   config.ClientConfig
	logger   *zap.Logger
	local    *gorm.DB
	tables   *localstore.Store
	source   *remote.Source
	database *client.Database
}

func openWorkspace() (*workspace, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	local, err := database.OpenSQLite(cfg.LocalPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	localStore, err := localstore.New(localstore.Config{Database: local, Logger: logger})
	if err != nil {
		return nil, err
	}

	source, err := remote.NewSource(remote.SourceConfig{
		Transport:       remote.NewHTTPTransport(nil),
		LocalStore:      localStore,
		Logger:          logger,
		SaveDelay:       cfg.SaveDelay,
		RefreshInterval: cfg.RefreshInterval,
	})
	if err != nil {
		return nil, err
	}
	if cfg.SessionToken != "" {
		source.BeginAuthorization(cfg.ServerAddress, cfg.SessionToken)
	}

	db, err := client.New(source, client.Context{Address: cfg.ServerAddress})
	if err != nil {
		source.Close()
		return nil, err
	}
	return &workspace{
		config:   cfg,
		logger:   logger,
		local:    local,
		tables:   localStore,
		source:   source,
		database: db.Use(client.Context{Schema: cfg.Schema}),
	}, nil
}

func (w *workspace) close() {
	w.source.Close()
	if sqlDB, err := w.local.DB(); err == nil {
		sqlDB.Close()
	}
	w.logger.Sync() //nolint:errcheck
}

func withWorkspace(run func(ctx context.Context, ws *workspace, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		defer ws.close()
		return run(cmd.Context(), ws, cmd, args)
	}
}

func newFindCommand() *cobra.Command {
	var (
		required bool
		minimum  int
	)
	cmd := &cobra.Command{
		Use:   "find <table> [criteria-json]",
		Short: "Print the objects of a table that match the criteria",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withWorkspace(func(ctx context.Context, ws *workspace, cmd *cobra.Command, args []string) error {
			criteria, err := parseCriteria(args[1:])
			if err != nil {
				return err
			}
			list, err := ws.database.Find(ctx, args[0], criteria, client.FindOptions{Required: required, Minimum: minimum})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), list)
		}),
	}
	cmd.Flags().BoolVar(&required, "required", false, "Fail when nothing matches")
	cmd.Flags().IntVar(&minimum, "minimum", 0, "Wait for the server when fewer cached objects match")
	return cmd
}

func newSaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "save <table> <object-json|array-json>",
		Short: "Insert or update objects and print what the server stored",
		Args:  cobra.ExactArgs(2),
		RunE: withWorkspace(func(ctx context.Context, ws *workspace, cmd *cobra.Command, args []string) error {
			list, err := parseObjects(args[1])
			if err != nil {
				return err
			}
			saved, err := ws.database.Save(ctx, args[0], list)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), saved)
		}),
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <table> <id>...",
		Short: "Flag objects as deleted",
		Args:  cobra.MinimumNArgs(2),
		RunE: withWorkspace(func(ctx context.Context, ws *workspace, cmd *cobra.Command, args []string) error {
			list := make([]objects.Object, 0, len(args)-1)
			for _, raw := range args[1:] {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid id %q: %w", raw, err)
				}
				list = append(list, objects.Object{objects.FieldID: id})
			}
			removed, err := ws.database.Remove(ctx, args[0], list)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), removed)
		}),
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <table> [criteria-json]",
		Short: "Print matching objects whenever the server reports changes",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withWorkspace(func(ctx context.Context, ws *workspace, cmd *cobra.Command, args []string) error {
			criteria, err := parseCriteria(args[1:])
			if err != nil {
				return err
			}
			table := args[0]
			if err := ws.database.Start(ctx); err != nil {
				return err
			}

			group, groupCtx := errgroup.WithContext(ctx)
			if ws.database.Context().Address != "" {
				socket, err := remote.NewSocketClient(remote.SocketConfig{
					Address:          ws.config.ServerAddress,
					Token:            ws.config.SessionToken,
					Schemas:          []string{ws.database.Context().Schema},
					Handler:          ws.source,
					Logger:           ws.logger,
					ReconnectTimeout: ws.config.ReconnectTimeout,
				})
				if err != nil {
					return err
				}
				group.Go(func() error { return socket.Run(groupCtx) })
			}

			events, cleanup := ws.database.Subscribe(groupCtx)
			defer cleanup()
			group.Go(func() error {
				emit := func() error {
					list, err := ws.database.Find(groupCtx, table, criteria)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), list)
				}
				if err := emit(); err != nil {
					return err
				}
				for {
					select {
					case <-groupCtx.Done():
						return groupCtx.Err()
					case event, ok := <-events:
						if !ok {
							return nil
						}
						ws.logger.Debug("source event", zap.String("kind", string(event.Kind)), zap.String("table", event.Location.Table))
						if event.Location.Table != "" && event.Location.Table != table {
							continue
						}
						if err := emit(); err != nil {
							return err
						}
					}
				}
			})
			return group.Wait()
		}),
	}
}

func newSessionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Check the session token against the server and list the local tables",
		Args:  cobra.NoArgs,
		RunE: withWorkspace(func(ctx context.Context, ws *workspace, cmd *cobra.Command, args []string) error {
			session, err := ws.source.CheckAuthorizationStatus(ctx, ws.config.ServerAddress)
			if err != nil {
				return err
			}
			tables, err := ws.tables.Tables(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sessionReport{Session: session, LocalTables: tables})
		}),
	}
}

type sessionReport struct {
	remote.Session
	LocalTables []string `json:"local_tables"`
}

func parseCriteria(args []string) (objects.Criteria, error) {
	criteria := objects.Criteria{}
	if len(args) == 0 || args[0] == "" {
		return criteria, nil
	}
	if err := json.Unmarshal([]byte(args[0]), &criteria); err != nil {
		return nil, fmt.Errorf("invalid criteria: %w", err)
	}
	return criteria, nil
}

func parseObjects(raw string) ([]objects.Object, error) {
	var list []objects.Object
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, nil
	}
	object, err := objects.DecodeObject([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid object: %w", err)
	}
	return []objects.Object{object}, nil
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
