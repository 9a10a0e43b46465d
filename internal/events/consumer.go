// Package events consumes inbound chat messages from a message broker and
// publishes the bot replies. This is how chat platform adapters talk to the
// service without going through HTTP.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"roomchat/internal/app"
)

// roomDirective matches "<room-name> <text>" with the text spanning lines.
var roomDirective = regexp.MustCompile(`^(\S+)\s+([\s\S]+)$`)

const (
	// continueSuffix on a quoted message routes the text to the quoted room.
	continueSuffix = "  "
	// forceTextSuffix requests a plain text reply even when the image
	// pipeline is available.
	forceTextSuffix = "    "
)

// InboundEvent is a chat message from a platform adapter.
type InboundEvent struct {
	MessageID       string `json:"messageId"`
	SenderID        string `json:"senderId"`
	Content         string `json:"content"`
	QuotedMessageID string `json:"quotedMessageId,omitempty"`
}

// ReplyEvent is the bot reply published back for delivery. Either ImageURL
// or Text is set, never both.
type ReplyEvent struct {
	Room      string `json:"room"`
	MessageID string `json:"messageId"`
	ReplyTo   string `json:"replyTo"`
	Header    string `json:"header"`
	Text      string `json:"text,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

// Config wires the consumer.
type Config struct {
	URL          string
	InboundQueue string
	ReplyQueue   string
	App          *app.App
}

// Consumer reads inbound events off AMQP, runs turns, and publishes replies.
type Consumer struct {
	conn         *amqp.Connection
	channel      *amqp.Channel
	inboundQueue string
	replyQueue   string
	app          *app.App
}

// NewConsumer dials the broker and declares both queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.App == nil {
		return nil, errors.New("events: app is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("events: amqp url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	for _, queue := range []string{cfg.InboundQueue, cfg.ReplyQueue} {
		if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}
	if err := channel.Qos(1, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Consumer{
		conn:         conn,
		channel:      channel,
		inboundQueue: cfg.InboundQueue,
		replyQueue:   cfg.ReplyQueue,
		app:          cfg.App,
	}, nil
}

// Run consumes events until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.channel.Consume(c.inboundQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.inboundQueue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("events: delivery channel closed")
			}
			c.handleDelivery(ctx, delivery)
		}
	}
}

// Close tears down the channel and connection.
func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var event InboundEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		slog.Warn("drop undecodable inbound event", "error", err)
		_ = delivery.Nack(false, false)
		return
	}
	c.handleEvent(ctx, event)
	_ = delivery.Ack(false)
}

// handleEvent routes one inbound message. Messages that do not address any
// room, or address one the sender cannot use, are ignored without a reply;
// the stream carries ordinary chat traffic too.
func (c *Consumer) handleEvent(ctx context.Context, event InboundEvent) {
	roomName, text, ok := routeEvent(event)
	if !ok {
		return
	}
	forceText := strings.HasSuffix(event.Content, forceTextSuffix)

	result, err := c.app.RunTurn(ctx, event.SenderID, roomName, event.QuotedMessageID, text)
	if err != nil {
		if errors.Is(err, app.ErrRoomNotFound) ||
			errors.Is(err, app.ErrPermissionDenied) ||
			errors.Is(err, app.ErrRoomBusy) ||
			errors.Is(err, app.ErrTurnSuperseded) {
			return
		}
		slog.Error("turn failed", "room", roomName, "error", err)
		return
	}

	room, err := c.app.ResolveRoom("", result.MessageID)
	if err != nil {
		slog.Error("reload room after turn", "error", err)
		return
	}
	reply := ReplyEvent{
		Room:      room.Name,
		MessageID: result.MessageID,
		ReplyTo:   event.MessageID,
		Header:    fmt.Sprintf("%s (%d)", room.Name, result.TranscriptLen),
	}
	if forceText {
		reply.Text = result.Reply
	} else if url, err := c.app.RenderReply(ctx, room, result); err == nil {
		reply.ImageURL = url
	} else {
		slog.Warn("image reply unavailable, falling back to text", "room", room.Name, "error", err)
		reply.Text = result.Reply
	}
	c.publishReply(ctx, reply)
}

// routeEvent decides whether an event targets a room. Quote-continuation
// takes a quoted bot message plus a trailing double space; otherwise the
// first whitespace-delimited token must name a room.
func routeEvent(event InboundEvent) (roomName, text string, ok bool) {
	content := event.Content
	if event.QuotedMessageID != "" && strings.HasSuffix(content, continueSuffix) {
		text = strings.TrimSpace(content)
		if text == "" {
			return "", "", false
		}
		return "", text, true
	}
	match := roomDirective.FindStringSubmatch(strings.TrimRight(content, " "))
	if match == nil {
		return "", "", false
	}
	return match[1], strings.TrimSpace(match[2]), true
}

func (c *Consumer) publishReply(ctx context.Context, reply ReplyEvent) {
	body, err := json.Marshal(reply)
	if err != nil {
		slog.Error("marshal reply event", "error", err)
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = c.channel.PublishWithContext(publishCtx, "", c.replyQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		slog.Error("publish reply event", "room", reply.Room, "error", err)
	}
}
