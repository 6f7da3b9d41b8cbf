package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/turtacn/arena-realtime/internal/config"
	"github.com/turtacn/arena-realtime/internal/domain/models"
	"github.com/turtacn/arena-realtime/internal/domain/service"
	"github.com/turtacn/arena-realtime/internal/infrastructure/crypto"
	"github.com/turtacn/arena-realtime/internal/infrastructure/persistence/redis"
	"github.com/turtacn/arena-realtime/internal/infrastructure/ratelimit"
	"github.com/turtacn/arena-realtime/pkg/constants"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

// clientFactory opens the Redis client described by cfg.
type clientFactory func(cfg *config.Config) (goredis.UniversalClient, error)

func defaultClientFactory(cfg *config.Config) (goredis.UniversalClient, error) {
	conn, err := redis.NewRedisConnection(&cfg.Redis, logger.NewNoopLogger())
	if err != nil {
		return nil, err
	}
	return conn.GetClient(), nil
}

// env is what every subcommand needs, built lazily from the root flags.
type env struct {
	cfg    *config.Config
	client goredis.UniversalClient
	store  *ratelimit.RedisCounterStore
	keys   service.KeyBuilder
}

func (e *env) Close() {
	if e.client != nil {
		_ = e.client.Close()
	}
}

type rootOptions struct {
	configFile string
	timeout    time.Duration
	factory    clientFactory
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.LoadConfig(o.configFile, logger.NewNoopLogger())
}

func (o *rootOptions) open() (*env, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	client, err := o.factory(cfg)
	if err != nil {
		return nil, err
	}
	store, err := ratelimit.NewRedisCounterStore(client, &ratelimit.CounterStoreConfig{
		OpTimeout:  o.timeout,
		CounterTTL: cfg.Store.CounterTTL,
	}, logger.NewNoopLogger())
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &env{cfg: cfg, client: client, store: store, keys: service.NewKeyBuilder(cfg.Store.KeyPrefix)}, nil
}

func newRootCmd(factory clientFactory) *cobra.Command {
	opts := &rootOptions{factory: factory}
	root := &cobra.Command{
		Use:           "rtctl",
		Short:         "Operate the realtime gateway's shared state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to the gateway config file")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Second, "per-operation Redis timeout")

	root.AddCommand(
		newPingCmd(opts),
		newCountersCmd(opts),
		newRoomCmd(opts),
		newBucketCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// withEnv opens the store for the duration of fn.
func withEnv(opts *rootOptions, fn func(ctx context.Context, e *env, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		e, err := opts.open()
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(cmd.Context(), e, cmd)
	}
}

func newPingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the counter store answers",
		RunE: withEnv(opts, func(ctx context.Context, e *env, cmd *cobra.Command) error {
			start := time.Now()
			if err := e.store.Ping(ctx); err != nil {
				return fmt.Errorf("store unreachable: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "PONG %s\n", time.Since(start).Round(time.Microsecond))
			return nil
		}),
	}
}

// subject is the --user / --ip pair shared by counters and bucket commands.
type subject struct {
	user string
	ip   string
}

func (s *subject) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.user, "user", "", "user id")
	cmd.Flags().StringVar(&s.ip, "ip", "", "client IP address")
}

func (s *subject) validate() error {
	if (s.user == "") == (s.ip == "") {
		return fmt.Errorf("exactly one of --user or --ip is required")
	}
	return nil
}

func (s *subject) connectionKey(keys service.KeyBuilder) string {
	if s.user != "" {
		return keys.UserConnections(s.user)
	}
	return keys.IPConnections(s.ip)
}

func (s *subject) bucketKey(keys service.KeyBuilder) string {
	if s.user != "" {
		return keys.Bucket(constants.BucketScopeUser, s.user)
	}
	return keys.Bucket(constants.BucketScopeIP, s.ip)
}

func newCountersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counters",
		Short: "Inspect or reset per-user and per-IP connection counters",
	}

	var getSubject subject
	get := &cobra.Command{
		Use:   "get",
		Short: "Print a connection counter",
		PreRunE: func(*cobra.Command, []string) error {
			return getSubject.validate()
		},
		RunE: withEnv(opts, func(ctx context.Context, e *env, cmd *cobra.Command) error {
			key := getSubject.connectionKey(e.keys)
			n, err := e.store.Get(ctx, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", key, n)
			return nil
		}),
	}
	getSubject.bind(get)

	var resetSubject subject
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete a connection counter that leaked",
		PreRunE: func(*cobra.Command, []string) error {
			return resetSubject.validate()
		},
		RunE: withEnv(opts, func(ctx context.Context, e *env, cmd *cobra.Command) error {
			key := resetSubject.connectionKey(e.keys)
			if err := e.store.Reset(ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", key)
			return nil
		}),
	}
	resetSubject.bind(reset)

	cmd.AddCommand(get, reset)
	return cmd
}

func newRoomCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Inspect or reset tournament room membership",
	}

	roomArg := func(fn func(ctx context.Context, e *env, cmd *cobra.Command, key string) error) *cobra.Command {
		c := &cobra.Command{Args: cobra.ExactArgs(1)}
		c.RunE = func(cmd *cobra.Command, args []string) error {
			room := strings.TrimSpace(args[0])
			if room == "" {
				return fmt.Errorf("tournament id must not be blank")
			}
			return withEnv(opts, func(ctx context.Context, e *env, cmd *cobra.Command) error {
				return fn(ctx, e, cmd, e.keys.Room(room))
			})(cmd, args)
		}
		return c
	}

	size := roomArg(func(ctx context.Context, e *env, cmd *cobra.Command, key string) error {
		n, err := e.store.RoomSize(ctx, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
		return nil
	})
	size.Use = "size <tournament_id>"
	size.Short = "Print the number of connections in a room"

	members := roomArg(func(ctx context.Context, e *env, cmd *cobra.Command, key string) error {
		ids, err := e.store.RoomMembers(ctx, key)
		if err != nil {
			return err
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	})
	members.Use = "members <tournament_id>"
	members.Short = "List the connection ids in a room"

	reset := roomArg(func(ctx context.Context, e *env, cmd *cobra.Command, key string) error {
		if err := e.store.Reset(ctx, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", key)
		return nil
	})
	reset.Use = "reset <tournament_id>"
	reset.Short = "Drop every member of a room"

	cmd.AddCommand(size, members, reset)
	return cmd
}

func newBucketCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bucket",
		Short: "Manage message rate buckets",
	}

	var s subject
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Refill a user or IP message bucket",
		PreRunE: func(*cobra.Command, []string) error {
			return s.validate()
		},
		RunE: withEnv(opts, func(ctx context.Context, e *env, cmd *cobra.Command) error {
			key := s.bucketKey(e.keys)
			if err := e.store.Reset(ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", key)
			return nil
		}),
	}
	s.bind(reset)

	cmd.AddCommand(reset)
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with gateway access tokens",
	}

	var (
		user string
		role string
		ttl  time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed access token for testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			auth, err := crypto.NewAuthenticatorFromConfig(cmd.Context(), cfg.Auth, logger.NewNoopLogger())
			if err != nil {
				return err
			}
			if auth == nil {
				return fmt.Errorf("no signing secret configured (auth.secret or auth.vault)")
			}
			token, err := auth.Issue(&models.Identity{UserID: user, Role: models.ParseRole(role)}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&user, "user", "", "subject user id")
	issue.Flags().StringVar(&role, "role", string(models.RoleParticipant), "owner, manager or participant")
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")

	cmd.AddCommand(issue)
	return cmd
}
