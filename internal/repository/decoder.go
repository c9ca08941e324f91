package repository

import (
	"encoding/json"
	"fmt"

	"github.com/SARVESHVARADKAR123/peersync/internal/docstore"
	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed"
)

type Collections struct {
	Messages string
	Calls    string
}

// EventDecoder maps change-feed payloads of the message and call collections
// to domain events. Message updates are not events: messages never change.
func EventDecoder(c Collections) feed.Decoder {
	return func(collection string, op domain.Operation, payload json.RawMessage) (domain.Event, error) {
		var d docstore.Document
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", collection, err)
		}
		if d.Collection == "" {
			d.Collection = collection
		}

		switch collection {
		case c.Messages:
			if op != domain.OpCreate {
				return nil, fmt.Errorf("message %s: %w", op, feed.ErrUnknownCollection)
			}
			if d.ID == "" {
				return nil, fmt.Errorf("message payload without id: %w", domain.ErrInvalidMessage)
			}
			if d.String(fieldSenderID) == "" || d.String(fieldReceiverID) == "" {
				return domain.MessageCreated{Message: domain.Message{ID: d.ID}, Partial: true}, nil
			}
			m, err := MessageFromDocument(d)
			if err != nil {
				return nil, err
			}
			return domain.MessageCreated{Message: m}, nil

		case c.Calls:
			call, err := CallFromDocument(d)
			if err != nil {
				return nil, err
			}
			if op == domain.OpCreate {
				return domain.CallCreated{Call: call}, nil
			}
			return domain.CallUpdated{Call: call}, nil
		}

		return nil, feed.ErrUnknownCollection
	}
}
