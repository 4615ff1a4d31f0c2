package decode

import (
	"fmt"

	"degenerus-indexer/internal/registry"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// UnknownEvent is the event name recorded for logs that no registered ABI
// could decode. Such logs are persisted with empty args so they are not lost.
const UnknownEvent = "Unknown"

// Decoded is the result of running a raw log through the ABI dispatch.
type Decoded struct {
	Name string
	// Args holds every ABI input, indexed ones included.
	Args map[string]interface{}
	// Signature is the topic-0 of the matched ABI (or the log's own topic-0
	// when nothing matched). Nil for topic-less logs.
	Signature *common.Hash
	// Indexed is the subset of Args whose input descriptor carries the
	// indexed flag.
	Indexed map[string]interface{}
}

// Decoder turns raw logs into decoded events using the registry's topic-0
// dispatch maps.
type Decoder struct {
	reg *registry.Registry
}

// New builds a Decoder over the loaded registry.
func New(reg *registry.Registry) *Decoder {
	return &Decoder{reg: reg}
}

// Decode resolves the event ABI for the log and unpacks its arguments.
//
// Dispatch: a topic-0 hit on the log's address wins; otherwise every known
// event ABI for the address is tried in declaration order and the first
// strict match is kept. Failures never abort ingestion; the log degrades to
// an Unknown event with empty args.
func (d *Decoder) Decode(lg types.Log) Decoded {
	var topic0 *common.Hash
	if len(lg.Topics) > 0 {
		t := lg.Topics[0]
		topic0 = &t
	}

	unknown := Decoded{
		Name:      UnknownEvent,
		Args:      map[string]interface{}{},
		Signature: topic0,
		Indexed:   map[string]interface{}{},
	}

	contract, ok := d.reg.Lookup(lg.Address)
	if !ok || contract.ABI == nil {
		return unknown
	}

	if topic0 != nil {
		if ev, hit := contract.TopicToEvent[*topic0]; hit {
			args, indexed, err := unpackEvent(contract.ABI, ev, lg)
			if err != nil {
				logrus.Warnf("Failed decoding log for %s: %v", lg.Address.Hex(), err)
				return unknown
			}
			sig := ev.ID
			return Decoded{Name: ev.Name, Args: args, Signature: &sig, Indexed: indexed}
		}
	}

	// No topic-0 hit: try every candidate and keep the first that decodes.
	// Non-anonymous candidates still require their signature in topic-0, so
	// in practice only anonymous events can match here.
	for _, candidate := range contract.Events {
		args, indexed, err := unpackEvent(contract.ABI, candidate, lg)
		if err != nil {
			continue
		}
		sig := candidate.ID
		return Decoded{Name: candidate.Name, Args: args, Signature: &sig, Indexed: indexed}
	}

	return unknown
}

// unpackEvent decodes data and topics against one event ABI. The topic count
// must match the ABI exactly so try-all fallback decoding cannot mis-attach a
// log to the wrong event.
func unpackEvent(contractABI *abi.ABI, ev abi.Event, lg types.Log) (map[string]interface{}, map[string]interface{}, error) {
	var indexedInputs abi.Arguments
	for _, input := range ev.Inputs {
		if input.Indexed {
			indexedInputs = append(indexedInputs, input)
		}
	}

	expectedTopics := len(indexedInputs)
	if !ev.Anonymous {
		expectedTopics++
	}
	if len(lg.Topics) != expectedTopics {
		return nil, nil, fmt.Errorf("event %s expects %d topics, log has %d", ev.Name, expectedTopics, len(lg.Topics))
	}
	// A non-anonymous event is only a match when the log actually carries its
	// signature hash; shape alone must not attach a foreign log to this event.
	if !ev.Anonymous && lg.Topics[0] != ev.ID {
		return nil, nil, fmt.Errorf("event %s signature mismatch", ev.Name)
	}

	args := make(map[string]interface{})
	if len(ev.Inputs.NonIndexed()) > 0 {
		if err := contractABI.UnpackIntoMap(args, ev.Name, lg.Data); err != nil {
			return nil, nil, err
		}
	}

	dataTopics := lg.Topics
	if !ev.Anonymous {
		dataTopics = lg.Topics[1:]
	}
	if len(indexedInputs) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexedInputs, dataTopics); err != nil {
			return nil, nil, err
		}
	}

	// Rewrite values into unambiguous shapes while the ABI types are still at
	// hand; reflection alone cannot tell bytes4 from uint8[4] later on.
	for _, input := range ev.Inputs {
		if v, ok := args[input.Name]; ok {
			args[input.Name] = normalizeValue(v, input.Type)
		}
	}

	indexed := make(map[string]interface{}, len(indexedInputs))
	for _, input := range indexedInputs {
		if v, ok := args[input.Name]; ok {
			indexed[input.Name] = v
		}
	}
	return args, indexed, nil
}
