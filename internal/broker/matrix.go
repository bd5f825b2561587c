package broker

import (
	"fmt"
	"iter"

	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// CellKind tags the state of one (client, topic) cell
type CellKind byte

const (
	// Unsubscribed: never subscribed, or explicitly unsubscribed. No QoS is remembered.
	Unsubscribed CellKind = iota
	// Subscribed: a reachable subscriber at the cell's QoS.
	Subscribed
	// Disconnected: subscribed before the client dropped; the QoS is restored on reconnect.
	Disconnected
)

var cellKindNames = map[CellKind]string{
	Unsubscribed: "NOT_SUB",
	Subscribed:   "SUB",
	Disconnected: "NOT_CONN",
}

func (k CellKind) String() string {
	return cellKindNames[k]
}

// Cell is one matrix entry. For Subscribed it holds the live QoS, for Disconnected the prior one.
type Cell struct {
	Kind CellKind
	QoS  wire.QoS
}

// SubscribedCell builds a Subscribed(q) cell
func SubscribedCell(q wire.QoS) Cell { return Cell{Kind: Subscribed, QoS: q} }

// DisconnectedCell builds a Disconnected(prior) cell
func DisconnectedCell(prior wire.QoS) Cell { return Cell{Kind: Disconnected, QoS: prior} }

func (c Cell) String() string {
	switch c.Kind {
	case Subscribed:
		return c.QoS.String()
	case Disconnected:
		return fmt.Sprintf("NOT_CONN(%s)", c.QoS)
	default:
		return "NOT_SUB"
	}
}

// Matrix is the broker's (client x topic) subscription table.
// It is not safe for concurrent use; the owning Broker serializes access.
type Matrix struct {
	cells     [][]Cell
	reachable []bool
	numTopics int
}

// NewMatrix creates a matrix with every cell unsubscribed and every row unreachable
func NewMatrix(maxClients, numTopics int) *Matrix {
	cells := make([][]Cell, maxClients)
	for i := range cells {
		cells[i] = make([]Cell, numTopics)
	}
	return &Matrix{
		cells:     cells,
		reachable: make([]bool, maxClients),
		numTopics: numTopics,
	}
}

func (m *Matrix) checkClient(clientID wire.ClientID) error {
	if int(clientID) >= len(m.cells) {
		return fmt.Errorf("%w: %d", ErrUnknownClient, clientID)
	}
	return nil
}

func (m *Matrix) check(clientID wire.ClientID, topic wire.Topic) error {
	if err := m.checkClient(clientID); err != nil {
		return err
	}
	if int(topic) >= m.numTopics {
		return fmt.Errorf("%w: %d", ErrUnknownTopic, topic)
	}
	return nil
}

// Subscribe sets the cell to Subscribed(qos). The client must be connected.
func (m *Matrix) Subscribe(clientID wire.ClientID, topic wire.Topic, qos wire.QoS) error {
	if err := m.check(clientID, topic); err != nil {
		return err
	}
	if !qos.Valid() {
		return fmt.Errorf("%w: qos %d", wire.ErrMalformedMessage, qos)
	}
	if !m.reachable[clientID] {
		return fmt.Errorf("%w: client %d", ErrNotConnected, clientID)
	}
	m.cells[clientID][topic] = SubscribedCell(qos)
	return nil
}

// Unsubscribe clears the cell whatever its current state
func (m *Matrix) Unsubscribe(clientID wire.ClientID, topic wire.Topic) error {
	if err := m.check(clientID, topic); err != nil {
		return err
	}
	m.cells[clientID][topic] = Cell{}
	return nil
}

// MarkConnected restores every Disconnected cell of the row to its prior QoS
func (m *Matrix) MarkConnected(clientID wire.ClientID) error {
	if err := m.checkClient(clientID); err != nil {
		return err
	}
	m.reachable[clientID] = true
	row := m.cells[clientID]
	for t, cell := range row {
		if cell.Kind == Disconnected {
			row[t] = SubscribedCell(cell.QoS)
		}
	}
	return nil
}

// MarkDisconnected turns every Subscribed cell of the row into Disconnected, remembering its QoS
func (m *Matrix) MarkDisconnected(clientID wire.ClientID) error {
	if err := m.checkClient(clientID); err != nil {
		return err
	}
	m.reachable[clientID] = false
	row := m.cells[clientID]
	for t, cell := range row {
		if cell.Kind == Subscribed {
			row[t] = DisconnectedCell(cell.QoS)
		}
	}
	return nil
}

// Cell returns the current value of (clientID, topic); out of range lookups read as Unsubscribed
func (m *Matrix) Cell(clientID wire.ClientID, topic wire.Topic) Cell {
	if m.check(clientID, topic) != nil {
		return Cell{}
	}
	return m.cells[clientID][topic]
}

// SubscribersOf yields the reachable subscribers of topic in increasing ClientID order.
// The sequence reads the matrix lazily and may be ranged over any number of times.
func (m *Matrix) SubscribersOf(topic wire.Topic) iter.Seq2[wire.ClientID, wire.QoS] {
	return func(yield func(wire.ClientID, wire.QoS) bool) {
		if int(topic) >= m.numTopics {
			return
		}
		for c, row := range m.cells {
			cell := row[topic]
			if cell.Kind != Subscribed {
				continue
			}
			if !yield(wire.ClientID(c), cell.QoS) {
				return
			}
		}
	}
}

// Topics returns the subscribed topics of a client, any state but Unsubscribed
func (m *Matrix) Topics(clientID wire.ClientID) map[wire.Topic]Cell {
	result := make(map[wire.Topic]Cell)
	if m.checkClient(clientID) != nil {
		return result
	}
	for t, cell := range m.cells[clientID] {
		if cell.Kind != Unsubscribed {
			result[wire.Topic(t)] = cell
		}
	}
	return result
}
