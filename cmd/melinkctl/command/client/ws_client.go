package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"melink/internal/mpio"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
)

// ws_client.go follows the live drop feed of an engine.

type feedEvent struct {
	Type string         `json:"type"`
	Drop mpio.DropEvent `json:"drop"`
}

// EventsURL turns the API base URL into the websocket feed URL.
func EventsURL(apiURL, token string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/events"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// FollowDrops prints drop events until ctx is done or the server goes away.
func FollowDrops(ctx context.Context, apiURL, token string) error {
	target, err := EventsURL(apiURL, token)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	color.Green("following drops, Ctrl+C to stop")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		var ev feedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Type == "drop" {
			PrintDrop(ev.Drop)
		}
	}
}

// PrintDrop writes one drop event on a single line.
func PrintDrop(ev mpio.DropEvent) {
	line := fmt.Sprintf("%s %-28s class=%d", ev.At.Local().Format("15:04:05.000"), ev.Reason, ev.Class)
	if !ev.Target.IsZero() {
		line += " target=" + ev.Target.String()
	}
	if ev.Detail != "" {
		line += " " + ev.Detail
	}
	switch ev.Reason {
	case mpio.DropInternalError, mpio.DropProcessingError:
		color.Red("%s", line)
	case mpio.DropNoConnection, mpio.DropLinkNotFound:
		color.Yellow("%s", line)
	default:
		color.HiBlack("%s", line)
	}
}
