package status

import (
	"fmt"

	"github.com/redis/rueidis"
)

// DBIndex keeps worker heartbeats apart from any other data in the same Redis instance.
const DBIndex = 4

// ClientOptions locate the Redis server.
type ClientOptions struct {
	Host     string
	Port     int
	Username string
	Password string
}

// NewClient connects to Redis for status reporting.
func NewClient(opts ClientOptions) (rueidis.Client, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Username:     opts.Username,
		Password:     opts.Password,
		SelectDB:     DBIndex,
		ClientName:   "followtrack",
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}

	return client, nil
}
