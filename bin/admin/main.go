// tilehub-admin issues tokens and inspects a running tilehub server over HTTP.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/zond/tilehub/identity"
)

func main() {
	serverURL := flag.String("server", "http://127.0.0.1:8000", "Base URL of the tilehub server")
	secret := flag.String("secret", os.Getenv("AUTH_JWT_SECRET"), "Token signing secret, defaults to $AUTH_JWT_SECRET")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  token PLAYER [USERNAME]  Print a bearer token for PLAYER\n")
		fmt.Fprintf(os.Stderr, "  health                   Show the server's root endpoint\n")
		fmt.Fprintf(os.Stderr, "  players                  Show the directory with presence\n")
		fmt.Fprintf(os.Stderr, "  dm PLAYER CHUNK          Record a direct message by PLAYER in CHUNK\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "token":
		if len(args) < 2 {
			flag.Usage()
			os.Exit(1)
		}
		username := args[1]
		if len(args) > 2 {
			username = args[2]
		}
		var tok string
		if tok, err = issue(*secret, args[1], username); err == nil {
			fmt.Println(tok)
		}
	case "health":
		err = get(*serverURL, "", os.Stdout)
	case "players":
		err = get(*serverURL, "players", os.Stdout)
	case "dm":
		if len(args) != 3 {
			flag.Usage()
			os.Exit(1)
		}
		err = dm(*serverURL, *secret, args[1], args[2], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func issue(secret, playerID, username string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("no signing secret, set -secret or AUTH_JWT_SECRET")
	}
	return identity.NewHS256Verifier(secret).Issue(playerID, username, time.Now())
}

func copyResponse(resp *http.Response, w io.Writer) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, err := io.Copy(w, resp.Body)
	return err
}

func get(base, path string, w io.Writer) error {
	u, err := url.JoinPath(base, path)
	if err != nil {
		return err
	}
	resp, err := http.Get(u)
	if err != nil {
		return err
	}
	return copyResponse(resp, w)
}

func dm(base, secret, playerID, chunkID string, w io.Writer) error {
	tok, err := issue(secret, playerID, playerID)
	if err != nil {
		return err
	}
	u, err := url.JoinPath(base, "history", "dm")
	if err != nil {
		return err
	}
	body := fmt.Sprintf(`{"player_id":%q,"chunk_id":%q}`, playerID, chunkID)
	req, err := http.NewRequest(http.MethodPost, u, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	return copyResponse(resp, w)
}
