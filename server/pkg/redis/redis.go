package redis

import (
	"net"

	"github.com/go-redis/redis/v7"
)

// NewRedisDB connects to host:port and checks the connection.
func NewRedisDB(host, port, password string) (*redis.Client, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(host, port),
		Password: password,
		DB:       0,
	})
	if err := redisClient.Ping().Err(); err != nil {
		redisClient.Close()
		return nil, err
	}
	return redisClient, nil
}
