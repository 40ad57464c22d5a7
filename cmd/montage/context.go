package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"montage/internal/api"
	"montage/internal/config"
)

type commandContext struct {
	bindFlag   *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(bindFlag, configFlag *string) *commandContext {
	return &commandContext{
		bindFlag:   bindFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) apiBind() string {
	if c.bindFlag != nil && strings.TrimSpace(*c.bindFlag) != "" {
		return strings.TrimSpace(*c.bindFlag)
	}
	if cfg, err := c.ensureConfig(); err == nil && cfg != nil {
		return cfg.Paths.APIBind
	}
	return ""
}

func (c *commandContext) withClient(fn func(*api.Client) error) error {
	bind := c.apiBind()
	client, err := api.NewClient(bind)
	if err != nil {
		return fmt.Errorf("build api client: %w", err)
	}
	if client == nil {
		return fmt.Errorf("no daemon API address configured; set paths.api_bind or pass --api")
	}
	return fn(client)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
