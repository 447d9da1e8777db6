// depthview-decode summarizes recorded CBOR depth messages: one file per
// message, as written by sensor daemons in file-dump mode.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

const tagMultiDimArray = 40

func main() {
	path := flag.String("path", "", "Path to CBOR file or directory")
	limit := flag.Int("limit", 5, "Max number of frame messages to summarize")
	flag.Parse()

	if *path == "" {
		log.Fatal("missing -path")
	}

	files, err := listFiles(*path)
	if err != nil {
		log.Fatalf("list files: %v", err)
	}

	var frameCount, startCount, endCount int
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			log.Printf("read %s: %v", file, err)
			continue
		}
		msg, err := decodeMessage(data)
		if err != nil {
			log.Printf("decode %s: %v", file, err)
			continue
		}

		switch msg.Type {
		case "start":
			startCount++
			fmt.Printf("start: %s\n", file)
			fmt.Printf("  modes: %v\n", msg.Modes)
		case "end":
			endCount++
		case "frame":
			frameCount++
			if frameCount <= *limit {
				fmt.Printf("frame: %s\n", file)
				fmt.Printf("  frame_id: %v\n", msg.FrameID)
				for variant, info := range msg.Variants {
					fmt.Printf("  variant %s: %s\n", variant, info)
				}
			}
		}
	}

	fmt.Printf("summary: start=%d frame=%d end=%d\n", startCount, frameCount, endCount)
}

type messageSummary struct {
	Type     string
	FrameID  any
	Modes    []string
	Variants map[string]string
}

func decodeMessage(data []byte) (messageSummary, error) {
	var payload map[string]any
	if err := cbor.Unmarshal(data, &payload); err != nil {
		return messageSummary{}, err
	}
	msgType, _ := payload["type"].(string)
	summary := messageSummary{Type: msgType}
	switch msgType {
	case "start":
		if modes, ok := payload["modes"].([]any); ok {
			for _, m := range modes {
				if s, ok := m.(string); ok {
					summary.Modes = append(summary.Modes, s)
				}
			}
		}
	case "frame":
		summary.FrameID = payload["frame_id"]
		summary.Variants = map[string]string{}
		if dataMap, ok := payload["data"].(map[string]any); ok {
			for variant, v := range dataMap {
				summary.Variants[variant] = describeData(v)
			}
		}
	}
	return summary, nil
}

func describeData(value any) string {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return fmt.Sprintf("type %T", value)
	}
	if tag.Number != tagMultiDimArray {
		return fmt.Sprintf("tag %d", tag.Number)
	}
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return "invalid multidim"
	}
	dims, ok := items[0].([]any)
	if !ok || len(dims) != 2 {
		return "invalid dims"
	}
	dataTag, _ := items[1].(cbor.Tag)
	return fmt.Sprintf("dims %v tag %d", dims, dataTag.Number)
}

func listFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) == ".cbor" {
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
