// Package provision realizes queues declaratively. A small config file names
// the queues a process expects, their delivery policy, and their dead-letter
// wiring; Apply makes a Factory match it, and Watch re-applies on file
// change. Provisioned queues carry raw []byte payloads; typed queues are
// created programmatically.
//
// The format is line-oriented brace blocks:
//
//	# orders pipeline
//	queue orders {
//		max_receives 5
//		visibility_timeout 2m
//		retention 24h
//		dead_letter orders-dead
//	}
//
//	queue orders-dead {
//		visibility_timeout 1m
//	}
package provision

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/kyudo"
)

// QueueSpec is one parsed queue block.
type QueueSpec struct {
	Name       string
	Config     kyudo.Configuration
	DeadLetter string
}

// File is a parsed provisioning config.
type File struct {
	Queues []QueueSpec
}

// Load reads and parses the config at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	file, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return file, nil
}

// Parse parses config data. Directives omitted from a block keep the default
// configuration's values.
func Parse(data []byte) (*File, error) {
	file := &File{}
	seen := make(map[string]bool)

	var current *QueueSpec
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if current == nil {
			fields := strings.Fields(line)
			if len(fields) != 3 || fields[0] != "queue" || fields[2] != "{" {
				return nil, fmt.Errorf("line %d: expected `queue NAME {`, got %q", lineNo, line)
			}
			name := fields[1]
			if seen[name] {
				return nil, fmt.Errorf("line %d: duplicate queue %q", lineNo, name)
			}
			seen[name] = true
			current = &QueueSpec{Name: name, Config: kyudo.DefaultConfiguration()}
			continue
		}

		if line == "}" {
			if err := current.Config.Validate(); err != nil {
				return nil, fmt.Errorf("line %d: queue %q: %w", lineNo, current.Name, err)
			}
			file.Queues = append(file.Queues, *current)
			current = nil
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected `directive value`, got %q", lineNo, line)
		}
		switch fields[0] {
		case "max_receives":
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid max_receives %q", lineNo, fields[1])
			}
			current.Config.MaxReceiveCount = n
		case "visibility_timeout":
			d, err := time.ParseDuration(fields[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid visibility_timeout %q", lineNo, fields[1])
			}
			current.Config.VisibilityTimeout = d
		case "retention":
			d, err := time.ParseDuration(fields[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid retention %q", lineNo, fields[1])
			}
			current.Config.MessageRetentionPeriod = d
		case "dead_letter":
			current.DeadLetter = fields[1]
		default:
			return nil, fmt.Errorf("line %d: unknown directive %q", lineNo, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan config: %w", err)
	}
	if current != nil {
		return nil, fmt.Errorf("unclosed block for queue %q", current.Name)
	}
	return file, nil
}

// Apply creates every queue the file names that the factory does not already
// hold, wiring dead-letter references. Existing registrations are left
// untouched, which makes Apply safe to run again after a reload. Dead-letter
// targets must be defined in the file or already registered.
func Apply(factory *kyudo.Factory, file *File) error {
	inFile := make(map[string]bool, len(file.Queues))
	for _, spec := range file.Queues {
		inFile[spec.Name] = true
	}

	var pending []QueueSpec
	for _, spec := range file.Queues {
		if !factory.Has(spec.Name) {
			pending = append(pending, spec)
		}
	}

	// Dead-letter targets have to exist before their sources, so creation
	// runs in passes until nothing is left. A pass without progress means
	// the references form a cycle.
	for len(pending) > 0 {
		var deferred []QueueSpec
		progress := false
		for _, spec := range pending {
			if spec.DeadLetter != "" && !factory.Has(spec.DeadLetter) {
				if !inFile[spec.DeadLetter] {
					return fmt.Errorf("queue %q: dead_letter %q is not defined", spec.Name, spec.DeadLetter)
				}
				deferred = append(deferred, spec)
				continue
			}

			var opts []kyudo.MemoryOption[[]byte, []byte]
			if spec.DeadLetter != "" {
				dlq, err := kyudo.GetQueue[[]byte](factory, spec.DeadLetter)
				if err != nil {
					return fmt.Errorf("queue %q: resolve dead_letter: %w", spec.Name, err)
				}
				opts = append(opts, kyudo.WithDeadLetterQueue[[]byte, []byte](dlq))
			}
			if _, err := kyudo.CreateQueue[[]byte, []byte](factory, spec.Name, spec.Config, opts...); err != nil {
				return fmt.Errorf("create queue %q: %w", spec.Name, err)
			}
			progress = true
		}
		if !progress {
			names := make([]string, 0, len(deferred))
			for _, spec := range deferred {
				names = append(names, spec.Name)
			}
			return fmt.Errorf("dead_letter cycle among queues %s", strings.Join(names, ", "))
		}
		pending = deferred
	}
	return nil
}
