package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
)

// RemoteDocument is the JSON document kept in the config center, one per
// service (dataId) and environment (group).
type RemoteDocument struct {
	Name   string   `json:"name"`
	Tags   []string `json:"tags"`
	Consul struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"consul"`
	Redis struct {
		Host string `json:"host"`
		Port int    `json:"port"`
		DB   int    `json:"db"`
	} `json:"redis"`
	DB struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		User     string `json:"user"`
		Password string `json:"password"`
		Name     string `json:"db"`
	} `json:"db"`
	Kafka struct {
		Brokers []string `json:"brokers"`
	} `json:"kafka"`
}

// Apply overlays the non-empty fields of the document on cfg.
func (d *RemoteDocument) Apply(cfg *Config) {
	if d.Name != "" {
		cfg.Service.Name = d.Name
	}
	if len(d.Tags) > 0 {
		cfg.Service.Tags = d.Tags
	}
	if d.Consul.Host != "" {
		cfg.Consul.Host = d.Consul.Host
		cfg.Consul.Enabled = true
	}
	if d.Consul.Port != 0 {
		cfg.Consul.Port = d.Consul.Port
	}
	if d.Redis.Host != "" {
		port := d.Redis.Port
		if port == 0 {
			port = 6379
		}
		cfg.Redis.Addr = d.Redis.Host + ":" + strconv.Itoa(port)
		cfg.Redis.DB = d.Redis.DB
	}
	if d.DB.Host != "" {
		cfg.DB.Host = d.DB.Host
	}
	if d.DB.Port != 0 {
		cfg.DB.Port = strconv.Itoa(d.DB.Port)
	}
	if d.DB.User != "" {
		cfg.DB.User = d.DB.User
	}
	if d.DB.Password != "" {
		cfg.DB.Password = d.DB.Password
	}
	if d.DB.Name != "" {
		cfg.DB.Name = d.DB.Name
	}
	if len(d.Kafka.Brokers) > 0 {
		cfg.Kafka.Brokers = strings.Join(d.Kafka.Brokers, ",")
	}
}

// NacosClient reads configuration documents through the Nacos open API.
type NacosClient struct {
	client *resty.Client
	cfg    NacosConfig
}

// NewNacosClient talks to the Nacos open API at cfg.Host:cfg.Port.
func NewNacosClient(cfg NacosConfig) *NacosClient {
	return &NacosClient{
		client: resty.New().
			SetBaseURL(fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)).
			SetTimeout(5 * time.Second),
		cfg: cfg,
	}
}

// Fetch downloads and decodes the document for the configured dataId and group.
func (c *NacosClient) Fetch(ctx context.Context) (*RemoteDocument, error) {
	raw, err := c.GetConfig(ctx, c.cfg.DataID, c.cfg.Group)
	if err != nil {
		return nil, err
	}
	var doc RemoteDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid config document %s/%s: %w", c.cfg.Group, c.cfg.DataID, err)
	}
	return &doc, nil
}

// GetConfig returns the raw content stored under (dataID, group).
func (c *NacosClient) GetConfig(ctx context.Context, dataID, group string) ([]byte, error) {
	params := map[string]string{
		"dataId": dataID,
		"group":  group,
	}
	if c.cfg.Namespace != "" {
		params["tenant"] = c.cfg.Namespace
	}
	if c.cfg.Username != "" {
		token, err := c.login(ctx)
		if err != nil {
			return nil, err
		}
		params["accessToken"] = token
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/nacos/v1/cs/configs")
	if err != nil {
		return nil, fmt.Errorf("config request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("config %s/%s: unexpected status %d", group, dataID, resp.StatusCode())
	}
	return resp.Body(), nil
}

func (c *NacosClient) login(ctx context.Context) (string, error) {
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": c.cfg.Username,
			"password": c.cfg.Password,
		}).
		Post("/nacos/v1/auth/login")
	if err != nil {
		return "", fmt.Errorf("config login failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("config login: unexpected status %d", resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("config login: %w", err)
	}
	return out.AccessToken, nil
}
