// Package discovery registers services with the Consul agent and looks up
// healthy instances, talking to the agent's HTTP API directly.
package discovery

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
)

var ErrNoInstance = errors.New("discovery: no healthy instance")

type Check struct {
	GRPC                           string `json:"GRPC,omitempty"`
	HTTP                           string `json:"HTTP,omitempty"`
	Timeout                        string `json:"Timeout"`
	Interval                       string `json:"Interval"`
	DeregisterCriticalServiceAfter string `json:"DeregisterCriticalServiceAfter"`
}

// GRPCCheck is the default health check: the gRPC health service on
// address:port every 5s, dropped after 15s critical.
func GRPCCheck(address string, port int) *Check {
	return &Check{
		GRPC:                           fmt.Sprintf("%s:%d", address, port),
		Timeout:                        "5s",
		Interval:                       "5s",
		DeregisterCriticalServiceAfter: "15s",
	}
}

type Registration struct {
	ID      string   `json:"ID"`
	Name    string   `json:"Name"`
	Tags    []string `json:"Tags"`
	Address string   `json:"Address"`
	Port    int      `json:"Port"`
	Check   *Check   `json:"Check,omitempty"`
}

type Instance struct {
	ID      string   `json:"ID"`
	Service string   `json:"Service"`
	Tags    []string `json:"Tags"`
	Address string   `json:"Address"`
	Port    int      `json:"Port"`
}

func (i Instance) Target() string {
	return i.Address + ":" + strconv.Itoa(i.Port)
}

type healthEntry struct {
	Service Instance `json:"Service"`
}

type Client struct {
	http *resty.Client
}

// NewClient talks to the consul agent at host:port.
func NewClient(host string, port int) *Client {
	return NewClientWithURL(fmt.Sprintf("http://%s:%d", host, port))
}

// NewClientWithURL is NewClient for a full base URL.
func NewClientWithURL(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(5 * time.Second),
	}
}

// Register adds the service to the local agent. A nil check registers the
// default gRPC check for address:port.
func (c *Client) Register(ctx context.Context, name, id string, tags []string, address string, port int, check *Check) error {
	if check == nil {
		check = GRPCCheck(address, port)
	}
	reg := Registration{ID: id, Name: name, Tags: tags, Address: address, Port: port, Check: check}

	resp, err := c.http.R().SetContext(ctx).SetBody(reg).Put("/v1/agent/service/register")
	return checkResponse(resp, err, "register "+id)
}

func (c *Client) Deregister(ctx context.Context, id string) error {
	resp, err := c.http.R().SetContext(ctx).SetPathParam("id", id).Put("/v1/agent/service/deregister/{id}")
	return checkResponse(resp, err, "deregister "+id)
}

// Services lists every service registered with the agent, keyed by id.
func (c *Client) Services(ctx context.Context) (map[string]Instance, error) {
	return c.services(ctx, "")
}

// Filter lists agent services matching a Consul filter expression, e.g.
// `Service == "mxshop-inventory-srv"`.
func (c *Client) Filter(ctx context.Context, expr string) (map[string]Instance, error) {
	return c.services(ctx, expr)
}

func (c *Client) services(ctx context.Context, filter string) (map[string]Instance, error) {
	out := map[string]Instance{}
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if filter != "" {
		req.SetQueryParam("filter", filter)
	}
	resp, err := req.Get("/v1/agent/services")
	if err := checkResponse(resp, err, "list services"); err != nil {
		return nil, err
	}
	return out, nil
}

// Healthy returns the instances of name whose checks pass.
func (c *Client) Healthy(ctx context.Context, name string) ([]Instance, error) {
	var entries []healthEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetQueryParam("passing", "true").
		SetResult(&entries).
		Get("/v1/health/service/{name}")
	if err := checkResponse(resp, err, "health of "+name); err != nil {
		return nil, err
	}

	out := make([]Instance, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Service)
	}
	return out, nil
}

// Pick returns a random healthy instance of name.
func (c *Client) Pick(ctx context.Context, name string) (Instance, error) {
	instances, err := c.Healthy(ctx, name)
	if err != nil {
		return Instance{}, err
	}
	if len(instances) == 0 {
		return Instance{}, errors.Wrapf(ErrNoInstance, "service %s", name)
	}
	return instances[rand.IntN(len(instances))], nil
}

func checkResponse(resp *resty.Response, err error, what string) error {
	if err != nil {
		return errors.Wrapf(err, "consul: %s", what)
	}
	if resp.StatusCode() != http.StatusOK {
		return errors.Newf("consul: %s: status %d: %s", what, resp.StatusCode(), resp.String())
	}
	return nil
}
