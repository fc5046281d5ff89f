package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	chatter "github.com/putto11262002/chatrooms/app"
)

const usage = `usage:
  chatrooms [serve]              run the server
  chatrooms token -username NAME print a token for NAME, creating it if needed

tokens verify only against a server configured with the same auth.secret
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		serve()
	case "token":
		token(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func serve() {
	app, err := chatter.New(nil, nil)
	if err != nil {
		failed(1, "%v\n", err)
	}
	if err := app.Start(); err != nil {
		failed(1, "server error: %v\n", err)
	}
}

func token(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	username := fs.String("username", "", "identity to issue the token for")
	fs.Parse(args)
	if *username == "" {
		fs.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	app, err := chatter.New(ctx, nil)
	if err != nil {
		failed(1, "%v\n", err)
	}
	defer app.Close(ctx)

	token, user, err := app.IssueToken(ctx, *username)
	if err != nil {
		app.Close(ctx)
		failed(1, "issue token: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "user %s (%s)\n", user.Username, user.ID)
	fmt.Println(token)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(code)
}
