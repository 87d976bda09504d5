package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"identity-core/internal/config"
	"identity-core/internal/credential"
	"identity-core/internal/domain"
	"identity-core/internal/repository"
	"identity-core/internal/service"
	"identity-core/internal/validate"
	"identity-core/internal/worker"
)

// Exit codes. 75 is EX_TEMPFAIL: the caller may retry.
const (
	exitFailure            = 1
	exitValidation         = 2
	exitDuplicate          = 3
	exitNotFound           = 4
	exitInvalidCredentials = 5
	exitCredential         = 6
	exitUnavailable        = 75
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(logger, os.Stdout)
	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error(err)
		stop()
		os.Exit(exitCode(err))
	}
}

type application struct {
	logger *logrus.Logger
	out    io.Writer

	repo repository.IdentityRepository
	pool *worker.Pool
	svc  service.IdentityService
}

func newApp(logger *logrus.Logger, out io.Writer) *cli.App {
	a := &application{logger: logger, out: out}

	// left optional so that missing fields surface as validation violations
	identityFlags := []cli.Flag{
		&cli.StringFlag{Name: "username", Aliases: []string{"u"}},
		&cli.StringFlag{Name: "email", Aliases: []string{"e"}},
		&cli.StringFlag{
			Name:    "secret",
			Usage:   "plaintext secret, prefer the environment variable over the flag",
			EnvVars: []string{"IDENTITY_SECRET"},
		},
	}

	return &cli.App{
		Name:           "identityctl",
		Usage:          "manage identity records",
		Writer:         out,
		Before:         a.setup,
		After:          a.teardown,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "create or upgrade the storage schema",
				Action: a.migrate,
			},
			{
				Name:   "register",
				Usage:  "create an identity",
				Flags:  identityFlags,
				Action: a.register,
			},
			{
				Name:      "get",
				Usage:     "show an identity by id, username or email",
				ArgsUsage: "[id]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Aliases: []string{"u"}},
					&cli.StringFlag{Name: "email", Aliases: []string{"e"}},
				},
				Action: a.get,
			},
			{
				Name:      "update",
				Usage:     "change username, email or secret of an identity",
				ArgsUsage: "<id>",
				Flags:     identityFlags,
				Action:    a.update,
			},
			{
				Name:      "delete",
				Usage:     "delete an identity",
				ArgsUsage: "<id>",
				Action:    a.delete,
			},
			{
				Name:  "list",
				Usage: "list identities in creation order",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "offset", Value: 0},
					&cli.IntFlag{Name: "limit", Value: service.DefaultListLimit},
				},
				Action: a.list,
			},
			{
				Name:  "verify",
				Usage: "check a username and secret",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Required: true},
					&cli.StringFlag{Name: "secret", EnvVars: []string{"IDENTITY_SECRET"}, Required: true},
				},
				Action: a.verify,
			},
			{
				Name:   "ping",
				Usage:  "check storage availability",
				Action: a.ping,
			},
		},
	}
}

func (a *application) setup(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configureLogger(a.logger, cfg)

	hasher, err := credential.New(cfg.HasherParams())
	if err != nil {
		return fmt.Errorf("configure hasher: %w", err)
	}

	repo, err := openRepository(c.Context, cfg)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Database.Driver, err)
	}
	if err := repo.Init(c.Context); err != nil {
		repo.Close()
		return fmt.Errorf("init %s storage: %w", cfg.Database.Driver, err)
	}

	a.repo = repo
	a.pool = worker.New(worker.Config{Size: cfg.Hasher.Workers, Logger: a.logger})
	a.svc = service.NewIdentityService(repo, hasher, a.pool, a.logger)
	a.logger.WithField("driver", cfg.Database.Driver).Debug("storage ready")
	return nil
}

func (a *application) teardown(*cli.Context) error {
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if a.repo != nil {
		return a.repo.Close()
	}
	return nil
}

func configureLogger(logger *logrus.Logger, cfg config.Config) {
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

func (a *application) migrate(c *cli.Context) error {
	a.logger.Info("storage schema is up to date")
	return nil
}

func (a *application) register(c *cli.Context) error {
	view, err := a.svc.Register(c.Context, identityInput(c))
	if err != nil {
		return err
	}
	return a.print(view)
}

func (a *application) get(c *cli.Context) error {
	var (
		view *domain.View
		err  error
	)
	switch {
	case c.Args().Present():
		view, err = a.svc.Get(c.Context, c.Args().First())
	case c.IsSet("username"):
		view, err = a.svc.GetByUsername(c.Context, c.String("username"))
	case c.IsSet("email"):
		view, err = a.svc.GetByEmail(c.Context, c.String("email"))
	default:
		return errors.New("get needs an id, --username or --email")
	}
	if err != nil {
		return err
	}
	return a.print(view)
}

func (a *application) update(c *cli.Context) error {
	if !c.Args().Present() {
		return errors.New("update needs an id")
	}
	view, err := a.svc.Update(c.Context, c.Args().First(), identityInput(c))
	if err != nil {
		return err
	}
	return a.print(view)
}

func (a *application) delete(c *cli.Context) error {
	if !c.Args().Present() {
		return errors.New("delete needs an id")
	}
	id := c.Args().First()
	if err := a.svc.Delete(c.Context, id); err != nil {
		return err
	}
	return a.print(map[string]string{"deleted": id})
}

func (a *application) list(c *cli.Context) error {
	views, err := a.svc.List(c.Context, c.Int("offset"), c.Int("limit"))
	if err != nil {
		return err
	}
	return a.print(views)
}

func (a *application) verify(c *cli.Context) error {
	view, err := a.svc.Authenticate(c.Context, c.String("username"), c.String("secret"))
	if err != nil {
		return err
	}
	return a.print(view)
}

func (a *application) ping(c *cli.Context) error {
	if err := a.svc.Ping(c.Context); err != nil {
		return err
	}
	return a.print(map[string]string{"status": "ok"})
}

func (a *application) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// identityInput passes on only the flags the operator set, so an update
// leaves the others unchanged.
func identityInput(c *cli.Context) validate.Raw {
	raw := validate.Raw{}
	for _, field := range []domain.Field{domain.FieldUsername, domain.FieldEmail, domain.FieldSecret} {
		if c.IsSet(string(field)) {
			raw[string(field)] = c.String(string(field))
		}
	}
	return raw
}

func exitCode(err error) int {
	var (
		validation *domain.ValidationError
		duplicate  *domain.DuplicateIdentityError
	)
	switch {
	case errors.As(err, &validation):
		return exitValidation
	case errors.As(err, &duplicate):
		return exitDuplicate
	case errors.Is(err, domain.ErrNotFound):
		return exitNotFound
	case errors.Is(err, domain.ErrInvalidCredentials):
		return exitInvalidCredentials
	case credential.IsCredentialError(err):
		return exitCredential
	case errors.Is(err, domain.ErrStorageUnavailable):
		return exitUnavailable
	default:
		return exitFailure
	}
}
