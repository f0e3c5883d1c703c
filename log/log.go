// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

// Package log implements the logger interface used by the relay client and its
// SMTP protocol engine. Every Log entry carries the direction of the protocol
// exchange it describes, so a debug trace reads like a transcript of the session.
package log

const (
	DirServerToClient Direction = iota // Server to Client communication
	DirClientToServer                  // Client to Server communication
	DirNone                            // Lifecycle event not bound to a protocol exchange
)

const (
	// DirString is the group name of the direction attributes in structured logs
	DirString = "direction"

	// DirFromString is the attribute name for the sending side
	DirFromString = "from"

	// DirToString is the attribute name for the receiving side
	DirToString = "to"

	// RelayString is the attribute name for the relay key a Log belongs to
	RelayString = "relay"
)

// Level is the log level, ordered from least to most verbose
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs informational messages, warnings and errors
	LevelInfo
	// LevelDebug logs everything, including the full protocol transcript
	LevelDebug
)

// Direction is a type wrapper for the direction a debug log message goes
type Direction int

// Log represents a log message type that holds a log Direction, a Format string
// and a slice of Messages. Relay optionally names the relay the entry belongs to.
type Log struct {
	Direction Direction
	Format    string
	Messages  []interface{}
	Relay     string
}

// Logger is the log interface for the relay client
type Logger interface {
	Debugf(Log)
	Infof(Log)
	Warnf(Log)
	Errorf(Log)
}

// String satisfies the fmt.Stringer interface for the Level type
func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel returns the Level for the given name. Unknown names yield LevelInfo
// and false.
func ParseLevel(name string) (Level, bool) {
	switch name {
	case "error":
		return LevelError, true
	case "warn", "warning":
		return LevelWarn, true
	case "info", "":
		return LevelInfo, true
	case "debug":
		return LevelDebug, true
	}
	return LevelInfo, false
}

// directionPrefix returns the transcript prefix for the Log's Direction
func (l Log) directionPrefix() string {
	switch l.Direction {
	case DirClientToServer:
		return "C --> S:"
	case DirServerToClient:
		return "C <-- S:"
	default:
		return "C -- S:"
	}
}

// directionFrom returns the sending side of the Log's Direction
func (l Log) directionFrom() string {
	switch l.Direction {
	case DirClientToServer:
		return "client"
	case DirServerToClient:
		return "server"
	default:
		return ""
	}
}

// directionTo returns the receiving side of the Log's Direction
func (l Log) directionTo() string {
	switch l.Direction {
	case DirClientToServer:
		return "server"
	case DirServerToClient:
		return "client"
	default:
		return ""
	}
}
