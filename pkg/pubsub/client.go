package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/logger"
)

// Role selects which order event resources a process depends on. The relay
// publishes to both topics; each worker reads only its own subscription.
type Role int

const (
	RoleRelay Role = iota
	RoleFulfillment
	RoleAnalytics
)

func (r Role) String() string {
	switch r {
	case RoleRelay:
		return "relay"
	case RoleFulfillment:
		return "fulfillment"
	case RoleAnalytics:
		return "analytics"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

var errProjectIDRequired = errors.New("gcp project id is required")

type resource struct {
	kind string // "topics" or "subscriptions"
	name string
}

type Client struct {
	client    *pubsub.Client
	projectID string
	role      Role
	needs     []resource
	logg      *logger.Logger
}

// NewClient connects to Pub/Sub and verifies the resources role depends on.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger, role Role) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	needs, err := resourcesFor(role, cfg)
	if err != nil {
		return nil, err
	}

	raw, err := pubsub.NewClient(ctx, projectID, credentialOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{client: raw, projectID: projectID, role: role, needs: needs, logg: logg}
	if err := c.Ping(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "pubsub_role", role.String()), "pubsub client initialized")
	}
	return c, nil
}

func resourcesFor(role Role, cfg config.PubSubConfig) ([]resource, error) {
	var needs []resource
	switch role {
	case RoleRelay:
		needs = []resource{{"topics", cfg.OrdersTopic}, {"topics", cfg.AnalyticsTopic}}
	case RoleFulfillment:
		needs = []resource{{"subscriptions", cfg.OrdersSubscription}}
	case RoleAnalytics:
		needs = []resource{{"subscriptions", cfg.AnalyticsSubscription}}
	default:
		return nil, fmt.Errorf("unknown pubsub role %d", int(role))
	}
	for i, r := range needs {
		needs[i].name = strings.TrimSpace(r.name)
		if needs[i].name == "" {
			return nil, fmt.Errorf("%s %s name is required", role, strings.TrimSuffix(r.kind, "s"))
		}
	}
	return needs, nil
}

func credentialOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

// Ping checks that every topic or subscription the role needs exists.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("pubsub client not initialized")
	}
	for _, r := range c.needs {
		if err := c.check(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) check(ctx context.Context, r resource) error {
	full := resourceName(c.projectID, r.kind, r.name)
	var err error
	if r.kind == "topics" {
		_, err = c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: full})
	} else {
		var sub *pubsubpb.Subscription
		sub, err = c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: full})
		// Per-checkout ordering keys only hold end to end on ordered subscriptions.
		if err == nil && !sub.GetEnableMessageOrdering() && c.logg != nil {
			c.logg.Warn(c.logg.WithField(ctx, "subscription", r.name), "subscription does not enable message ordering")
		}
	}
	switch {
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s %q does not exist", strings.TrimSuffix(r.kind, "s"), r.name)
	case err != nil:
		return fmt.Errorf("checking %s: %w", full, err)
	}
	return nil
}

// Subscriber returns the role's subscription, or nil for the relay.
func (c *Client) Subscriber() *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	for _, r := range c.needs {
		if r.kind == "subscriptions" {
			return c.client.Subscriber(resourceName(c.projectID, r.kind, r.name))
		}
	}
	return nil
}

// Publisher returns an ordered publisher for topic. Messages sharing an
// ordering key are delivered in publish order; after a failed publish the key
// stays paused until ResumePublish is called.
func (c *Client) Publisher(topic string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	full := resourceName(c.projectID, "topics", topic)
	if full == "" {
		return nil
	}
	p := c.client.Publisher(full)
	p.EnableMessageOrdering = true
	return p
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// resourceName expands a short ID into projects/<p>/<kind>/<id>; full names pass through.
func resourceName(projectID, kind, name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+kind+"/") {
		return n
	}
	if projectID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/%s/%s", projectID, kind, n)
}
