package kafka

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lumino/go-coordinator/entities"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

type Client struct {
	kcl KafkaClient
}

func NewClient(kafkaClient KafkaClient) *Client {
	return &Client{
		kcl: kafkaClient,
	}
}

func (kc *Client) PublishEvents(ctx context.Context, events []entities.Event) error {

	wg := sync.WaitGroup{}
	errorChannel := make(chan error, len(events))

	for _, event := range events {

		record, err := createEventRecord(event)
		if err != nil {
			log.Printf("Error while creating event record: %v", err)
			errorChannel <- err
			break
		}

		wg.Add(1)
		kc.kcl.Produce(ctx, record, func(_ *kgo.Record, err error) {
			defer wg.Done()
			if err != nil {
				log.Printf("Error while producing event record: %v", err)
				errorChannel <- err
				return
			}
			errorChannel <- nil
		})
	}

	wg.Wait()
	close(errorChannel)

	for err := range errorChannel {
		if err != nil {
			return errors.New("encountered errors while producing event records")
		}
	}

	return nil
}

func createEventRecord(event entities.Event) (*kgo.Record, error) {

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshalling event to json: %w", err)
	}
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, event.Epoch)

	return &kgo.Record{
		Key:   key,
		Value: payload,
	}, nil

}
