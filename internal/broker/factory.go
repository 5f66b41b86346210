package broker

import (
	"fmt"

	"orderhooks/internal/config"
	"orderhooks/internal/constants"
	"orderhooks/internal/logger"
)

func NewProducer(cfg config.BrokerConfig, log logger.Logger) (Producer, error) {
	switch cfg.Type {
	case constants.BrokerKafka:
		return NewKafkaProducer(cfg.Kafka, log), nil
	case constants.BrokerRabbitMQ:
		return NewRabbitMQProducer(cfg.RabbitMQ, log)
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

func NewConsumer(cfg config.BrokerConfig, log logger.Logger) (Consumer, error) {
	switch cfg.Type {
	case constants.BrokerKafka:
		return NewKafkaConsumer(cfg, log), nil
	case constants.BrokerRabbitMQ:
		return NewRabbitMQConsumer(cfg, log)
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
