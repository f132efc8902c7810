// Package natsjs 把映射层事件发布到 NATS JetStream
package natsjs

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"datamapper/data/orm"
	"datamapper/data/orm/event"
	"datamapper/errors"
	"datamapper/logging"
)

// publisher nats.JetStreamContext 的子集
type publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Config JetStream 发布配置
type Config struct {
	Conn          *nats.Conn
	URL           string
	SubjectPrefix string
	// Points 需要发布的扩展点，为空时只发布 saved 与 deleted
	Points []orm.ExtensionPoint
	Logger logging.Logger
}

// Publisher 实现 event.Dispatcher，主题为 <prefix><mapper>.<point>
//
// 事件 ID 作为 Nats-Msg-Id 发送，JetStream 在去重窗口内丢弃重复发布。
type Publisher struct {
	cfg    Config
	js     publisher
	conn   *nats.Conn
	owns   bool
	points map[orm.ExtensionPoint]bool
	logger logging.Logger
}

// NewPublisher 连接 JetStream；Conn 为空时按 URL 建立并持有连接
func NewPublisher(cfg Config) (*Publisher, error) {
	conn := cfg.Conn
	owns := false
	if conn == nil {
		url := cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		c, err := nats.Connect(url)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeQueue, "connect nats")
		}
		conn, owns = c, true
	}
	js, err := conn.JetStream()
	if err != nil {
		if owns {
			conn.Close()
		}
		return nil, errors.WrapError(err, errors.ErrCodeQueue, "jetstream context")
	}
	p := newPublisher(cfg, js)
	p.conn, p.owns = conn, owns
	return p, nil
}

func newPublisher(cfg Config, js publisher) *Publisher {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "orm."
	}
	if len(cfg.Points) == 0 {
		cfg.Points = []orm.ExtensionPoint{orm.PointSaved, orm.PointDeleted}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("event.natsjs")
	}
	points := make(map[orm.ExtensionPoint]bool, len(cfg.Points))
	for _, p := range cfg.Points {
		points[p] = true
	}
	return &Publisher{cfg: cfg, js: js, points: points, logger: cfg.Logger}
}

// Dispatch 发布事件，未订阅的扩展点直接忽略
func (p *Publisher) Dispatch(ctx context.Context, ev *event.Event) error {
	if !p.points[ev.Point] {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Marshal(ev)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeQueue, "encode event "+ev.Name)
	}
	subject := p.Subject(ev)
	if _, err := p.js.Publish(subject, data, nats.MsgId(ev.ID)); err != nil {
		p.logger.Warn(ctx, "jetstream publish failed", logging.String("subject", subject), logging.Error(err))
		return errors.WrapError(err, errors.ErrCodeQueue, "publish event "+ev.Name)
	}
	return nil
}

// Subject 事件主题，mapper 名中的点替换为下划线以免产生多余的主题层级
func (p *Publisher) Subject(ev *event.Event) string {
	return p.cfg.SubjectPrefix + strings.ReplaceAll(ev.Mapper, ".", "_") + "." + string(ev.Point)
}

// Close 关闭自行建立的连接
func (p *Publisher) Close() error {
	if p.owns && p.conn != nil {
		p.conn.Close()
	}
	return nil
}

type wire struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Mapper    string         `json:"mapper"`
	Point     string         `json:"point"`
	Timestamp int64          `json:"timestamp"`
	Entity    map[string]any `json:"entity,omitempty"`
}

// Marshal 事件的 JSON 表示
func Marshal(ev *event.Event) ([]byte, error) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(wire{
		ID:        ev.ID,
		Name:      ev.Name,
		Mapper:    ev.Mapper,
		Point:     string(ev.Point),
		Timestamp: ts.UnixNano(),
		Entity:    event.Payload(ev.Entity),
	})
}

// Unmarshal 解析 Marshal 的输出，实体以 map 形式返回
func Unmarshal(data []byte) (*event.Event, map[string]any, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "decode event")
	}
	return &event.Event{
		ID:        w.ID,
		Name:      w.Name,
		Mapper:    w.Mapper,
		Point:     orm.ExtensionPoint(w.Point),
		Timestamp: time.Unix(0, w.Timestamp).UTC(),
	}, w.Entity, nil
}
