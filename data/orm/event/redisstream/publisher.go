// Package redisstream 把映射层事件写入 Redis Streams
package redisstream

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"datamapper/data/orm"
	"datamapper/data/orm/event"
	"datamapper/errors"
	"datamapper/logging"
)

// client 只需要 XADD，便于测试替换
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Config Redis Streams 发布配置
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	// MaxLen 大于 0 时按近似长度裁剪流
	MaxLen int64
	// Points 需要发布的扩展点，为空时只发布 saved 与 deleted
	Points []orm.ExtensionPoint
	Logger logging.Logger
}

// Publisher 实现 event.Dispatcher，每个 mapper 一个流：<prefix><mapper>
type Publisher struct {
	cfg    Config
	client client
	points map[orm.ExtensionPoint]bool
	logger logging.Logger
}

// NewPublisher 创建发布器；未提供 Client 时按 Addr 建立连接
func NewPublisher(cfg Config) (*Publisher, error) {
	var cl client
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "redis stream publisher needs a client or an address")
		}
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
	}
	return newPublisher(cfg, cl), nil
}

func newPublisher(cfg Config, cl client) *Publisher {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "orm:"
	}
	if len(cfg.Points) == 0 {
		cfg.Points = []orm.ExtensionPoint{orm.PointSaved, orm.PointDeleted}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("event.redisstream")
	}
	points := make(map[orm.ExtensionPoint]bool, len(cfg.Points))
	for _, p := range cfg.Points {
		points[p] = true
	}
	return &Publisher{cfg: cfg, client: cl, points: points, logger: cfg.Logger}
}

// Dispatch 写入一条流记录，未订阅的扩展点直接忽略
func (p *Publisher) Dispatch(ctx context.Context, ev *event.Event) error {
	if !p.points[ev.Point] {
		return nil
	}
	values, err := encodeEvent(ev)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeQueue, "encode event "+ev.Name)
	}
	args := &redis.XAddArgs{Stream: p.streamName(ev.Mapper), Values: values}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		p.logger.Warn(ctx, "xadd failed", logging.String("event", ev.Name), logging.Error(err))
		return errors.WrapError(err, errors.ErrCodeQueue, "publish event "+ev.Name)
	}
	p.logger.Debug(ctx, "event published", logging.String("event", ev.Name), logging.String("stream_id", id))
	return nil
}

func (p *Publisher) streamName(mapper string) string {
	return p.cfg.StreamPrefix + mapper
}

// record 流记录中 payload 字段的 msgpack 结构
type record struct {
	ID        string         `msgpack:"id"`
	Name      string         `msgpack:"name"`
	Mapper    string         `msgpack:"mapper"`
	Point     string         `msgpack:"point"`
	Timestamp int64          `msgpack:"ts"`
	Entity    map[string]any `msgpack:"entity,omitempty"`
}

func encodeEvent(ev *event.Event) (map[string]any, error) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	payload, err := msgpack.Marshal(record{
		ID:        ev.ID,
		Name:      ev.Name,
		Mapper:    ev.Mapper,
		Point:     string(ev.Point),
		Timestamp: ts.UnixNano(),
		Entity:    event.Payload(ev.Entity),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":        ev.ID,
		"name":      ev.Name,
		"timestamp": strconv.FormatInt(ts.UnixNano(), 10),
		"payload":   payload,
	}, nil
}

// Decode 从流记录还原事件（实体以 map 形式放在返回值中）
func Decode(msg redis.XMessage) (*event.Event, map[string]any, error) {
	raw, ok := msg.Values["payload"]
	if !ok {
		return nil, nil, errors.NewErrorf(errors.ErrCodeInvalidInput, "stream entry %s has no payload", msg.ID)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, nil, errors.NewErrorf(errors.ErrCodeInvalidInput, "stream entry %s has payload of type %T", msg.ID, raw)
	}
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "decode stream entry "+msg.ID)
	}
	return &event.Event{
		ID:        rec.ID,
		Name:      rec.Name,
		Mapper:    rec.Mapper,
		Point:     orm.ExtensionPoint(rec.Point),
		Timestamp: time.Unix(0, rec.Timestamp).UTC(),
	}, rec.Entity, nil
}
