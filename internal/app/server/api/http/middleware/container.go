package middleware

import "github.com/danielgtaylor/huma/v2"

// Container collects middlewares for one handler group.
type Container struct {
	mws huma.Middlewares
}

func NewContainer() *Container {
	return &Container{}
}

func (c *Container) Add(mw ...func(huma.Context, func(huma.Context))) *Container {
	c.mws = append(c.mws, mw...)
	return c
}

// GetAllAndClear hands out the collected chain and starts a new one.
func (c *Container) GetAllAndClear() huma.Middlewares {
	out := c.mws
	c.mws = nil
	return out
}
