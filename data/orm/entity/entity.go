// Package entity 定义映射层的实体模型
//
// 实体是属性的有序集合，附带持久化状态（NEW/CHANGED/SYNCHRONIZED/DELETED）、
// 脏属性集合和延迟加载槽位。实体本身不知道主键是哪些属性，主键由 mapper 的
// Hydrator 解释。
package entity

// State 持久化状态
type State string

const (
	StateNew          State = "new"
	StateChanged      State = "changed"
	StateSynchronized State = "synchronized"
	StateDeleted      State = "deleted"
)

func (s State) String() string { return string(s) }

// LazyLoader 延迟加载器，在第一次读取属性时解析
type LazyLoader interface {
	Load() (any, error)
}

// LazyFunc 函数形式的 LazyLoader
type LazyFunc func() (any, error)

func (f LazyFunc) Load() (any, error) { return f() }

// Entity 映射层操作的实体
type Entity interface {
	// Get 读取属性，延迟属性会在此时解析；解析失败返回 nil，可用 Resolve 获取错误
	Get(name string) any
	// Resolve 读取属性并返回延迟加载的错误
	Resolve(name string) (any, error)
	// Set 设置属性；值为 LazyLoader 时只登记加载器，不标记为脏
	Set(name string, value any) error
	Has(name string) bool
	Unset(name string) error

	// Names 按插入顺序返回属性名（包括尚未解析的延迟属性）
	Names() []string
	// ToMap 返回已解析属性的副本
	ToMap() map[string]any

	State() State
	SetState(state State)

	// IsChanged 不传参数时表示是否有任意属性被修改
	IsChanged(names ...string) bool
	Changed() []string
	MarkClean(names ...string)

	SetLazy(name string, loader LazyLoader)
	IsLazy(name string) bool

	Snapshot() Snapshot
	Restore(snapshot Snapshot)
}

// Snapshot 实体内部状态的副本，用于动作回滚
type Snapshot struct {
	order   []string
	attrs   map[string]any
	changed map[string]bool
	lazy    map[string]LazyLoader
	state   State
}

// State 快照时的持久化状态
func (s Snapshot) State() State { return s.state }

// Value 快照中的属性值
func (s Snapshot) Value(name string) (any, bool) {
	v, ok := s.attrs[name]
	return v, ok
}
