package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/kadykov/cv-adapt-client/client"
	"github.com/kadykov/cv-adapt-client/credentials"
	"github.com/kadykov/cv-adapt-client/internal/config"
)

const usage = `Usage: cvadapt <command> [flags]

Commands:
  login     -email <email> [-password <password>]   Sign in and persist the session
  register  -email <email> [-password <password>]   Create an account and sign in
  logout                                            Invalidate and clear the session
  whoami                                            Show the authenticated user
  status                                            Show the stored session state
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", colourise(Red, "error:"), err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		displayAppname("CV Adapt")
		fmt.Print(usage)
		return nil
	}

	logLevel := zerolog.WarnLevel
	if os.Getenv("CVADAPT_DEBUG") != "" {
		logLevel = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(logLevel).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := os.Args[1]
	args := os.Args[2:]

	// status reads only local state; no client construction needed.
	if command == "status" {
		return runStatus(cfg)
	}

	c, err := client.New(cfg, client.WithLogger(log))
	if err != nil {
		return err
	}
	defer c.Close()

	switch command {
	case "login":
		return runLogin(ctx, c, args, false)
	case "register":
		return runLogin(ctx, c, args, true)
	case "logout":
		return runLogout(ctx, c)
	case "whoami":
		return runWhoami(ctx, c)
	default:
		fmt.Print(usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runLogin(ctx context.Context, c *client.Client, args []string, register bool) error {
	name := "login"
	if register {
		name = "register"
	}
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	email := flags.String("email", "", "account email")
	password := flags.String("password", "", "account password (prompted when omitted)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	pass := *password
	if pass == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return err
		}
		pass = strings.TrimRight(line, "\r\n")
	}

	var err error
	if register {
		_, err = c.Register(ctx, *email, pass)
	} else {
		_, err = c.Login(ctx, *email, pass)
	}
	if err != nil {
		return err
	}

	user, err := c.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("session established but could not be validated")
	}
	fmt.Printf("%s signed in as %s\n", colourise(Green, "ok:"), user.Email)
	return nil
}

func runLogout(ctx context.Context, c *client.Client) error {
	if err := c.Logout(ctx); err != nil {
		return err
	}
	fmt.Printf("%s signed out\n", colourise(Green, "ok:"))
	return nil
}

func runWhoami(ctx context.Context, c *client.Client) error {
	user, err := c.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if user == nil {
		fmt.Println(colourise(Gray, "not signed in"))
		return nil
	}

	out, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runStatus(cfg *config.Config) error {
	var storeOpts []credentials.FileStoreOption
	if cfg.Passphrase != "" {
		storeOpts = append(storeOpts, credentials.WithSealing(cfg.Passphrase))
	}
	store := credentials.NewFileStore(cfg.CredentialsFile, storeOpts...)

	session, ok, err := store.Read()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println(colourise(Gray, "no stored session"))
		return nil
	}

	now := time.Now()
	switch {
	case session.Expired(now):
		fmt.Printf("%s session expired at %s\n", colourise(Red, "expired:"), session.ExpiresAt.Format(time.RFC3339))
	case session.NeedsRefresh(now):
		fmt.Printf("%s session expires at %s (refresh due)\n", colourise(Yellow, "expiring:"), session.ExpiresAt.Format(time.RFC3339))
	default:
		fmt.Printf("%s session valid until %s\n", colourise(Green, "ok:"), session.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
