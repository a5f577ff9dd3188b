package irq

// Group is the view of one interrupt source group a device holds. Indices
// passed to its methods are relative to Base.
type Group struct {
	m     *Manager
	h     Handle
	typ   SourceType
	base  uint32
	count uint32
}

func (g *Group) Handle() Handle   { return g.h }
func (g *Group) Type() SourceType { return g.typ }
func (g *Group) Base() uint32     { return g.base }
func (g *Group) Len() uint32      { return g.count }

func (g *Group) Enable(configs []SourceConfig) error {
	return g.m.Enable(g.h, configs)
}

func (g *Group) Update(index uint32, cfg SourceConfig) error {
	return g.m.Update(g.h, index, cfg)
}

func (g *Group) Disable() error {
	return g.m.Disable(g.h)
}

func (g *Group) Destroy() error {
	return g.m.DestroyGroup(g.h)
}

func (g *Group) Trigger(index uint32) error {
	return g.m.Trigger(g.h, index)
}

func (g *Group) Mask(index uint32) error {
	return g.m.Mask(g.h, index)
}

func (g *Group) Unmask(index uint32) error {
	return g.m.Unmask(g.h, index)
}

func (g *Group) PendingState(index uint32) bool {
	return g.m.PendingState(g.h, index)
}

func (g *Group) Config(index uint32) (SourceConfig, error) {
	return g.m.Config(g.h, index)
}
