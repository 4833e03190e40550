// Package catalog queries the image catalog over GraphQL and drives its
// asynchronous export jobs.
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eunmann/imgsync/internal/logctx"
	"github.com/eunmann/imgsync/pkg/transport"
)

// TagLength is the length of a timestamp tag such as 20221027-120131. Tags
// of any other length are ignored.
const TagLength = 15

// createdLayouts are the zone-less timestamp forms seen from the catalog
// ("T" separator) and from the store (space separator). Fractional seconds
// are optional when parsing.
var createdLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// DefaultEndpoint is the public catalog GraphQL API.
const DefaultEndpoint = "https://api.splitgraph.com/gql/cloud/unified/graphql"

// Image is one published snapshot of the source dataset.
type Image struct {
	Hash    string
	Tag     string
	Created time.Time
}

func (i Image) String() string {
	return fmt.Sprintf("%s (%s, created %s)", i.Tag, i.Hash, i.Created.Format(time.RFC3339))
}

// PollConfig bounds the wait for an export job.
type PollConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration
}

// Config identifies the catalog endpoint and source dataset.
type Config struct {
	Endpoint    string
	Namespace   string
	Repository  string
	SourceTable string
	// Token is optional; the catalog is queried anonymously without it.
	Token string
	// Attempts is the total number of export tries per image.
	Attempts int
	Poll     PollConfig
}

// DefaultConfig returns the configuration for the public Socrata mirror.
func DefaultConfig() Config {
	return Config{
		Endpoint:    DefaultEndpoint,
		Namespace:   "splitgraph",
		Repository:  "socrata",
		SourceTable: "datasets",
		Attempts:    3,
		Poll: PollConfig{
			InitialInterval: 2 * time.Second,
			MaxInterval:     15 * time.Second,
			Timeout:         30 * time.Minute,
		},
	}
}

// ExportQuery returns the SQL exported for one image.
func (c Config) ExportQuery(imageHash string) string {
	return fmt.Sprintf(`SELECT * FROM "%s/%s:%s".%s`, c.Namespace, c.Repository, imageHash, c.SourceTable)
}

// Client talks to one catalog endpoint.
type Client struct {
	cfg     Config
	poster  *transport.Poster
	onRetry func(attempt int, err error)
}

// NewClient creates a catalog client. A nil httpClient uses transport defaults.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	defaults := DefaultConfig()
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Poll.InitialInterval <= 0 {
		cfg.Poll.InitialInterval = defaults.Poll.InitialInterval
	}
	if cfg.Poll.MaxInterval < cfg.Poll.InitialInterval {
		cfg.Poll.MaxInterval = cfg.Poll.InitialInterval
	}
	// A zero MaxElapsedTime would make WaitForJob poll forever.
	if cfg.Poll.Timeout <= 0 {
		cfg.Poll.Timeout = defaults.Poll.Timeout
	}
	return &Client{
		cfg:    cfg,
		poster: transport.NewPoster(httpClient, cfg.Token),
	}
}

// OnExportRetry registers fn to be called for each export attempt that fails
// and will be retried.
func (c *Client) OnExportRetry(fn func(attempt int, err error)) {
	c.onRetry = fn
}

const allImagesQuery = `query AllImages($namespace: String!, $repository: String!) {
  images(orderBy: CREATED_ASC, condition: {namespace: $namespace, repository: $repository}) {
    nodes {
      created
      imageHash
      tagsByNamespaceAndRepositoryAndImageHash {
        nodes {
          tag
        }
      }
    }
  }
}`

type imageNode struct {
	Created   string `json:"created"`
	ImageHash string `json:"imageHash"`
	Tags      struct {
		Nodes []struct {
			Tag string `json:"tag"`
		} `json:"nodes"`
	} `json:"tagsByNamespaceAndRepositoryAndImageHash"`
}

type allImagesData struct {
	Images struct {
		Nodes []imageNode `json:"nodes"`
	} `json:"images"`
}

// ListImages returns every image of the source dataset that carries a
// timestamp tag, in catalog order (oldest first).
func (c *Client) ListImages(ctx context.Context) ([]Image, error) {
	var data allImagesData
	err := c.call(ctx, "AllImages", allImagesQuery, map[string]any{
		"namespace":  c.cfg.Namespace,
		"repository": c.cfg.Repository,
	}, &data)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	log := logctx.FromContext(ctx)
	images := make([]Image, 0, len(data.Images.Nodes))
	for _, node := range data.Images.Nodes {
		tags := make([]string, len(node.Tags.Nodes))
		for i, t := range node.Tags.Nodes {
			tags[i] = t.Tag
		}
		tag, ok := SelectTag(tags)
		if !ok {
			log.Debug().Str("image_hash", node.ImageHash).Msg("skipping image without timestamp tag")
			continue
		}

		created, err := ParseCreated(node.Created)
		if err != nil {
			return nil, fmt.Errorf("list images: image %s: %w", node.ImageHash, err)
		}
		images = append(images, Image{Hash: node.ImageHash, Tag: tag, Created: created})
	}
	return images, nil
}

// SelectTag picks the greatest tag of exactly TagLength characters. For
// timestamp tags that is also the latest one.
func SelectTag(tags []string) (string, bool) {
	best, found := "", false
	for _, t := range tags {
		if len(t) == TagLength && (!found || t > best) {
			best, found = t, true
		}
	}
	return best, found
}

// ParseCreated parses an image timestamp. Zone-less values are taken as UTC.
func ParseCreated(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range createdLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse created timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
