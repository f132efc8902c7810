package orm

import (
	"context"
	stderrors "errors"
	"sort"

	"datamapper/data/orm/entity"
	"datamapper/errors"
	"datamapper/logging"
)

// Action 持久化动作
//
// 一次保存/删除展开为一棵动作树：关联在 attach 阶段向根动作追加前置（Prepend）
// 和后置（Append）动作。Run 依次执行前置动作、自身、后置动作；任一步失败时按
// 逆序回滚已执行的部分，并返回 ACTION_FAILED。
type Action interface {
	Name() string
	Mapper() *Mapper
	Entity() entity.Entity
	Options() *ActionOptions

	Run(ctx context.Context) error
	// Revert 回滚已经执行的部分，未执行时无副作用
	Revert(ctx context.Context) error
	// OnSuccess 整个子树执行成功后更新内存状态
	OnSuccess()
	HasRun() bool

	Prepend(actions ...Action)
	Append(actions ...Action)

	// SetColumn 追加写入列，例如行为注入的时间戳
	SetColumn(column string, value any)
	// ExtraColumns 追加列（按列名排序）
	ExtraColumns() ([]string, map[string]any)
}

type executor interface {
	Action
	attach(ctx context.Context) error
	execute(ctx context.Context) error
	undo(ctx context.Context) error
}

// ActionOptions 动作树选项，同一棵树上的所有动作共享 visited
type ActionOptions struct {
	relations   map[string]bool
	noRelations bool
	columns     map[string]any
	visited     map[entity.Entity]bool
}

// ActionOption 动作选项
type ActionOption func(*ActionOptions)

// WithRelations 只级联指定的关联
func WithRelations(names ...string) ActionOption {
	return func(o *ActionOptions) {
		o.noRelations = false
		o.relations = make(map[string]bool, len(names))
		for _, n := range names {
			o.relations[n] = true
		}
	}
}

// WithoutRelations 不级联任何关联
func WithoutRelations() ActionOption {
	return func(o *ActionOptions) { o.noRelations = true }
}

// WithColumns 额外写入的列
func WithColumns(columns map[string]any) ActionOption {
	return func(o *ActionOptions) {
		if o.columns == nil {
			o.columns = make(map[string]any, len(columns))
		}
		for k, v := range columns {
			o.columns[k] = v
		}
	}
}

func withVisited(visited map[entity.Entity]bool) ActionOption {
	return func(o *ActionOptions) {
		if visited != nil {
			o.visited = visited
		}
	}
}

func newActionOptions(opts []ActionOption) *ActionOptions {
	o := &ActionOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.visited == nil {
		o.visited = make(map[entity.Entity]bool)
	}
	return o
}

// Cascades 是否级联指定关联
func (o *ActionOptions) Cascades(name string) bool {
	if o.noRelations {
		return false
	}
	return o.relations == nil || o.relations[name]
}

// Visited 实体是否已在当前动作树中
func (o *ActionOptions) Visited(e entity.Entity) bool {
	return o.visited[e]
}

func (o *ActionOptions) visit(e entity.Entity) {
	o.visited[e] = true
}

// child 子动作的选项：共享 visited，级联全部关联
func (o *ActionOptions) child(columns map[string]any) []ActionOption {
	opts := []ActionOption{withVisited(o.visited)}
	if len(columns) > 0 {
		opts = append(opts, WithColumns(columns))
	}
	return opts
}

// baseAction 动作树的公共实现，具体动作嵌入它并通过 self 提供各阶段逻辑
type baseAction struct {
	name   string
	mapper *Mapper
	entity entity.Entity
	opts   *ActionOptions
	self   executor

	before   []Action
	after    []Action
	executed []Action
	columns  map[string]any

	attached bool
	hasRun   bool
}

func newBaseAction(name string, m *Mapper, e entity.Entity, opts *ActionOptions) baseAction {
	if opts == nil {
		opts = newActionOptions(nil)
	}
	return baseAction{name: name, mapper: m, entity: e, opts: opts}
}

func (a *baseAction) Name() string { return a.name }

func (a *baseAction) Mapper() *Mapper { return a.mapper }

func (a *baseAction) Entity() entity.Entity { return a.entity }

func (a *baseAction) Options() *ActionOptions { return a.opts }

func (a *baseAction) HasRun() bool { return a.hasRun }

func (a *baseAction) OnSuccess() {}

func (a *baseAction) attach(context.Context) error { return nil }

func (a *baseAction) undo(context.Context) error { return nil }

func (a *baseAction) Prepend(actions ...Action) {
	out := make([]Action, 0, len(actions)+len(a.before))
	for _, x := range actions {
		if x != nil {
			out = append(out, x)
		}
	}
	a.before = append(out, a.before...)
}

func (a *baseAction) Append(actions ...Action) {
	for _, x := range actions {
		if x != nil {
			a.after = append(a.after, x)
		}
	}
}

func (a *baseAction) SetColumn(column string, value any) {
	if a.columns == nil {
		a.columns = make(map[string]any)
	}
	a.columns[column] = value
}

// ExtraColumns 合并顺序：SetColumn、选项中的列、mapper guard（guard 优先）
func (a *baseAction) ExtraColumns() ([]string, map[string]any) {
	merged := make(map[string]any, len(a.columns)+len(a.opts.columns))
	for k, v := range a.columns {
		merged[k] = v
	}
	for k, v := range a.opts.columns {
		merged[k] = v
	}
	if a.mapper != nil {
		for k, v := range a.mapper.cfg.Guards {
			merged[k] = v
		}
	}
	cols := make([]string, 0, len(merged))
	for k := range merged {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols, merged
}

func (a *baseAction) Run(ctx context.Context) error {
	if a.hasRun {
		return nil
	}
	if !a.attached {
		a.attached = true
		if err := a.self.attach(ctx); err != nil {
			return a.fail(ctx, err)
		}
	}

	for _, x := range a.before {
		if err := x.Run(ctx); err != nil {
			return a.fail(ctx, err)
		}
		a.executed = append(a.executed, x)
	}

	if err := a.self.execute(ctx); err != nil {
		return a.fail(ctx, err)
	}
	a.hasRun = true
	a.executed = append(a.executed, a.self)

	for _, x := range a.after {
		if err := x.Run(ctx); err != nil {
			return a.fail(ctx, err)
		}
		a.executed = append(a.executed, x)
	}

	a.self.OnSuccess()
	return nil
}

func (a *baseAction) Revert(ctx context.Context) error {
	var errs []error
	self := Action(a.self)
	for i := len(a.executed) - 1; i >= 0; i-- {
		x := a.executed[i]
		if x == self {
			if a.hasRun {
				errs = append(errs, a.self.undo(ctx))
				a.hasRun = false
			}
			continue
		}
		errs = append(errs, x.Revert(ctx))
	}
	a.executed = nil
	return stderrors.Join(errs...)
}

func (a *baseAction) fail(ctx context.Context, cause error) error {
	name := ""
	if a.mapper != nil {
		name = a.mapper.Name()
	}
	if err := a.Revert(ctx); err != nil {
		a.logger().Error(ctx, "revert failed",
			logging.String("mapper", name), logging.String("action", a.name), logging.Error(err))
	}
	err := errors.ActionFailed(cause, name, a.name)
	a.logger().Debug(ctx, "action failed",
		logging.String("mapper", name), logging.String("action", a.name), logging.Error(cause))
	return err
}

func (a *baseAction) logger() logging.Logger {
	if a.mapper != nil {
		return a.mapper.logger
	}
	return logging.Component("orm.action")
}
