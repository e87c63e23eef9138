// README: Dev helper; seeds a user if asked and prints a signed bearer token for it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"delivtrack/internal/auth"
	"delivtrack/internal/config"
	"delivtrack/internal/infra"
	"delivtrack/internal/modules/user"
	"delivtrack/internal/types"
)

type options struct {
	UserID string
	Create bool
	Role   string
	Name   string
	Email  string
}

func main() {
	var opts options
	flag.StringVar(&opts.UserID, "user", "", "User id to issue a token for (generated when -create is set and empty)")
	flag.BoolVar(&opts.Create, "create", false, "Create the user first")
	flag.StringVar(&opts.Role, "role", string(types.RoleDriver), "Role for -create: customer, driver or admin")
	flag.StringVar(&opts.Name, "name", "Test User", "Name for -create")
	flag.StringVar(&opts.Email, "email", "", "Email for -create")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "tokengen:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := user.NewStore(pool)

	if opts.Create {
		if opts.UserID == "" {
			opts.UserID = uuid.NewString()
		}
		email := opts.Email
		if email == "" {
			email = opts.UserID + "@example.test"
		}
		if err := store.Create(ctx, &user.User{
			ID:     types.ID(opts.UserID),
			Email:  email,
			Name:   opts.Name,
			Role:   types.Role(opts.Role),
			Active: true,
		}); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
	}
	if opts.UserID == "" {
		return errors.New("-user is required")
	}

	u, err := store.Get(ctx, types.ID(opts.UserID))
	if err != nil {
		return err
	}
	token, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.TokenTTL, store).Issue(u)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
