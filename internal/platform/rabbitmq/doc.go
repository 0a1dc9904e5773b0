// Package rabbitmq publishes task outcome events to a RabbitMQ exchange.
package rabbitmq
