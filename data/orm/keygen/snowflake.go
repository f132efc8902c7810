package keygen

import (
	"sync"
	"time"

	"datamapper/errors"
)

const (
	// 起始时间戳 (2023-01-01 00:00:00 UTC)
	epoch int64 = 1672531200000

	workerIDBits     = 5
	datacenterIDBits = 5
	sequenceBits     = 12

	maxWorkerID     = -1 ^ (-1 << workerIDBits)     // 31
	maxDatacenterID = -1 ^ (-1 << datacenterIDBits) // 31
	maxSequence     = -1 ^ (-1 << sequenceBits)     // 4095

	workerIDShift      = sequenceBits
	datacenterIDShift  = sequenceBits + workerIDBits
	timestampLeftShift = sequenceBits + workerIDBits + datacenterIDBits
)

// Snowflake 雪花算法生成器，生成 int64 主键
type Snowflake struct {
	mux           sync.Mutex
	datacenterID  int64
	workerID      int64
	sequence      int64
	lastTimestamp int64
	now           func() int64
}

// NewSnowflake 创建生成器，datacenterID/workerID 取值 0-31
func NewSnowflake(datacenterID, workerID int64) (*Snowflake, error) {
	if datacenterID < 0 || datacenterID > maxDatacenterID {
		return nil, errors.NewErrorf(errors.ErrCodeInvalidConfig, "keygen: datacenter ID %d out of range", datacenterID)
	}
	if workerID < 0 || workerID > maxWorkerID {
		return nil, errors.NewErrorf(errors.ErrCodeInvalidConfig, "keygen: worker ID %d out of range", workerID)
	}
	return &Snowflake{
		datacenterID:  datacenterID,
		workerID:      workerID,
		lastTimestamp: -1,
		now:           func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// NextID 生成下一个ID
func (g *Snowflake) NextID() (int64, error) {
	g.mux.Lock()
	defer g.mux.Unlock()

	now := g.now()
	if now < g.lastTimestamp {
		return 0, errors.NewError(errors.ErrCodeInternal, "keygen: clock moved backwards, refusing to generate id")
	}

	if now == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= g.lastTimestamp {
				now = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = now

	return ((now - epoch) << timestampLeftShift) |
		(g.datacenterID << datacenterIDShift) |
		(g.workerID << workerIDShift) |
		g.sequence, nil
}

// NextKey 实现 Generator
func (g *Snowflake) NextKey() (any, error) {
	id, err := g.NextID()
	if err != nil {
		return nil, err
	}
	return id, nil
}

// ParseSnowflake 拆解ID各部分
func ParseSnowflake(id int64) map[string]int64 {
	return map[string]int64{
		"timestamp":    (id >> timestampLeftShift) + epoch,
		"datacenterID": (id >> datacenterIDShift) & maxDatacenterID,
		"workerID":     (id >> workerIDShift) & maxWorkerID,
		"sequence":     id & maxSequence,
	}
}
