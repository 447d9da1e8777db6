// depthview-rawlog-dump prints records from a raw ingest log written with
// -raw-log.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"depthview-go/internal/output"
)

const tagMultiDimArray = 40

func main() {
	var (
		path  = flag.String("path", "", "Path to rawlog .bin file")
		limit = flag.Int("limit", 10, "Number of records to dump (0 for all)")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open rawlog: %v", err)
	}
	defer f.Close()

	header := make([]byte, len(output.RawLogMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("read magic: %v", err)
	}
	if string(header) != output.RawLogMagic {
		log.Fatalf("unexpected rawlog magic %q", string(header))
	}

	count := 0
	for {
		if *limit > 0 && count >= *limit {
			return
		}
		var meta [12]byte
		if _, err := io.ReadFull(f, meta[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return
			}
			log.Fatalf("read record header: %v", err)
		}
		ts := int64(binary.LittleEndian.Uint64(meta[:8]))
		size := binary.LittleEndian.Uint32(meta[8:12])
		if size == 0 {
			log.Printf("record %d: empty payload", count)
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(f, payload); err != nil {
			log.Fatalf("read payload: %v", err)
		}

		var decoded map[string]any
		if err := cbor.Unmarshal(payload, &decoded); err != nil {
			log.Printf("record %d: CBOR decode error: %v", count, err)
			count++
			continue
		}

		log.Printf("record %d timestamp=%s size=%d type=%v",
			count, time.Unix(0, ts).Format(time.RFC3339Nano), size, decoded["type"])
		if dataMap, ok := decoded["data"].(map[string]any); ok {
			for variant, v := range dataMap {
				fmt.Printf("  frame_id=%v variant=%s %s\n", decoded["frame_id"], variant, describeData(v))
			}
		}
		count++
	}
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
	if !ok {
		return "invalid dims"
	}
	dataTag, _ := items[1].(cbor.Tag)
	return fmt.Sprintf("dims %v tag %d", dims, dataTag.Number)
}
