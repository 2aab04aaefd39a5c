package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/airoom/server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	user := flag.String("user", "cli_user", "username to join with")
	flag.Parse()

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	send := func(typ string, v any) {
		var raw json.RawMessage
		if v != nil {
			data, marshalErr := json.Marshal(v)
			if marshalErr != nil {
				log.Printf("marshal %s: %v", typ, marshalErr)
				return
			}
			raw = data
		}
		if writeErr := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: raw}); writeErr != nil {
			cancel()
			log.Printf("send: %v", writeErr)
		}
	}

	send(proto.InboundTypeJoin, proto.JoinData{Username: *user})

	fmt.Printf("Connected to %s as %s\n", *addr, *user)
	fmt.Println("Type messages and press Enter to send. Mention @AI to talk to the assistant. Ctrl+C to exit.")

	go func() {
		defer cancel()
		readLoop(ctx, conn)
	}()

	writeLoop(ctx, send)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var outbound struct {
			Type  string          `json:"type"`
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
			Error *proto.Error    `json:"error"`
		}
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			// Treat expected shutdowns quietly.
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			log.Printf("read error: %v", err)
			return
		}

		switch outbound.Type {
		case proto.OutboundTypeJoinOK:
			var ack proto.JoinOKData
			if err := json.Unmarshal(outbound.Data, &ack); err != nil {
				continue
			}
			fmt.Printf("* joined as %s, %d online\n", ack.User.DisplayName, ack.UserCount)
			for _, m := range ack.History {
				printMessage(m)
			}
		case proto.OutboundTypeMessageSent:
			// Echoed back on broadcast; nothing to print.
		case proto.OutboundTypeEvent:
			printEvent(outbound.Event, outbound.Data)
		default:
			if outbound.Error != nil {
				fmt.Printf("! %s: %s\n", outbound.Error.Code, outbound.Error.Msg)
			}
		}
	}
}

func printEvent(event string, data json.RawMessage) {
	switch event {
	case "new_message", "ai_response", "message_with_ai_response":
		var payload struct {
			Message    proto.MessageView  `json:"message"`
			AIResponse *proto.MessageView `json:"ai_response"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		printMessage(payload.Message)
		if payload.AIResponse != nil {
			printMessage(*payload.AIResponse)
		}
	case "user_join", "user_leave":
		var payload struct {
			Username  string `json:"username"`
			UserCount int    `json:"user_count"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		verb := "joined"
		if event == "user_leave" {
			verb = "left"
		}
		fmt.Printf("* %s %s (%d online)\n", payload.Username, verb, payload.UserCount)
	case "system_notification":
		var payload struct {
			Message proto.MessageView `json:"message"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		fmt.Printf("* %s\n", payload.Message.Content)
	case "typing_indicator", "user_list_update":
		// Too chatty for a terminal client.
	default:
		fmt.Printf("event=%s data=%s\n", event, data)
	}
}

func printMessage(m proto.MessageView) {
	fmt.Printf("[%s] %s: %s\n", m.FormattedTime, m.DisplayUsername, m.Content)
}

func writeLoop(ctx context.Context, send func(string, any)) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			send(proto.InboundTypeMessage, proto.MessageData{Content: text})
		}
	}
}
