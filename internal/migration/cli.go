package migration

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
)

// CLI 把迁移结果格式化到终端
type CLI struct {
	m   Migrator
	out io.Writer
}

// NewCLI 创建 CLI
func NewCLI(m Migrator, out io.Writer) *CLI {
	return &CLI{m: m, out: out}
}

// Up 执行全部迁移并打印当前版本
func (c *CLI) Up(ctx context.Context) error {
	if err := c.m.Up(ctx); err != nil {
		return err
	}
	return c.Version(ctx)
}

// Down 回滚一步并打印当前版本
func (c *CLI) Down(ctx context.Context) error {
	if err := c.m.Down(ctx); err != nil {
		return err
	}
	return c.Version(ctx)
}

// Force 强制版本
func (c *CLI) Force(ctx context.Context, version int) error {
	if err := c.m.Force(ctx, version); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Version forced to %d\n", version)
	return nil
}

// Version 打印当前版本
func (c *CLI) Version(ctx context.Context) error {
	v, dirty, err := c.m.Version(ctx)
	if err != nil {
		return err
	}
	if v == 0 {
		fmt.Fprintln(c.out, "No migrations applied yet.")
		return nil
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	fmt.Fprintf(c.out, "Current version: %d%s\n", v, suffix)
	return nil
}

// Status 打印迁移表格与汇总
func (c *CLI) Status(ctx context.Context) error {
	statuses, err := c.m.Status(ctx)
	if err != nil {
		return err
	}
	info, err := c.m.Info(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Total: %d, Applied: %d, Pending: %d\n", info.Total, info.Applied, info.Pending)
	return nil
}
