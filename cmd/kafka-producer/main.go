package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gamedata-sync/internal/domain"
	"github.com/gamedata-sync/internal/kafka"
	"github.com/google/uuid"
)

var devices = []string{"tablet", "phone", "kiosk", "laptop"}

// progressValue builds a plausible saved-progress document for a data key
func progressValue(pageIdx int) json.RawMessage {
	stickers := make([]int, rand.Intn(12))
	for i := range stickers {
		stickers[i] = rand.Intn(200)
	}
	value, _ := json.Marshal(map[string]interface{}{
		"page":      pageIdx,
		"stickers":  stickers,
		"completed": rand.Intn(4) == 0,
		"savedAt":   time.Now().UTC().Format(time.RFC3339),
	})
	return value
}

// provisionChildren registers generated children with the server so their
// saves are accepted
func provisionChildren(server string, children []uuid.UUID) error {
	client := &http.Client{Timeout: 10 * time.Second}
	for _, childID := range children {
		req, err := http.NewRequest(http.MethodPut, strings.TrimRight(server, "/")+"/admin/children/"+childID.String(), nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("provisioning %s: server returned %d", childID, resp.StatusCode)
		}
	}
	return nil
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "game-data-saves", "Kafka topic")
	gameKey := flag.String("game", "sticker_book", "Game key")
	childList := flag.String("children", "", "Comma-separated child IDs (default: generate -count children)")
	count := flag.Int("count", 10, "Number of children to generate when -children is empty")
	server := flag.String("server", "", "Game data server URL used to provision generated children")
	pages := flag.Int("pages", 20, "Data keys per child")
	updatesPerSecond := flag.Int("rate", 50, "Saves per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	initialOnly := flag.Bool("initial-only", false, "Only upload the initial progress, no continuous saves")
	flag.Parse()

	var children []uuid.UUID
	if *childList != "" {
		for _, raw := range strings.Split(*childList, ",") {
			id, err := uuid.Parse(strings.TrimSpace(raw))
			if err != nil {
				log.Fatalf("Invalid child ID %q: %v", raw, err)
			}
			children = append(children, id)
		}
	} else {
		for i := 0; i < *count; i++ {
			children = append(children, uuid.New())
		}
		if *server != "" {
			if err := provisionChildren(*server, children); err != nil {
				log.Fatalf("Failed to provision children: %v", err)
			}
		}
	}
	if len(children) == 0 || *pages <= 0 || *updatesPerSecond <= 0 {
		log.Fatal("Need at least one child, one page and a positive rate")
	}

	fmt.Println("Game data upload producer")
	fmt.Printf("  Brokers:     %s\n", *brokers)
	fmt.Printf("  Topic:       %s\n", *topic)
	fmt.Printf("  Game:        %s\n", *gameKey)
	fmt.Printf("  Children:    %d\n", len(children))
	fmt.Printf("  Pages:       %d\n", *pages)
	fmt.Printf("  Saves/sec:   %d\n", *updatesPerSecond)
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(strings.Split(*brokers, ","), config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	finish := func(reason string) {
		fmt.Printf("\n%s\n", reason)
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	// Messages are keyed by child so one child's saves stay ordered
	send := func(childID uuid.UUID, pageIdx int) {
		key, value, err := kafka.EncodeCommand(domain.SaveCommand{
			ChildID:   childID,
			GameKey:   *gameKey,
			DataKey:   fmt.Sprintf("page_%d", pageIdx),
			DataValue: progressValue(pageIdx),
			DeviceID:  devices[rand.Intn(len(devices))],
		})
		if err != nil {
			log.Printf("Failed to encode command: %v", err)
			return
		}

		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.ByteEncoder(key),
			Value: sarama.ByteEncoder(value),
		}
		select {
		case producer.Input() <- msg:
		case <-done:
		}
	}

	// Initial upload of every page for every child
	total := len(children) * *pages
	sent := 0
	for _, childID := range children {
		for p := 0; p < *pages; p++ {
			send(childID, p)
			sent++
		}
		fmt.Printf("\r  Progress: %d/%d saves", sent, total)
	}
	fmt.Println()

	if *initialOnly {
		finish("Initial-only mode: exiting after the first upload")
		return
	}

	fmt.Printf("Starting continuous saves (%d/sec), press Ctrl+C to stop\n", *updatesPerSecond)

	ticker := time.NewTicker(time.Second / time.Duration(*updatesPerSecond))
	defer ticker.Stop()
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var updateCount int64
	for {
		select {
		case <-sigChan:
			finish("Shutting down...")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				finish("Duration reached, shutting down...")
				return
			}

			// Recent pages are edited far more often than old ones
			pageIdx := rand.Intn(*pages)
			if rand.Intn(100) < 70 {
				pageIdx = *pages - 1 - rand.Intn(min(3, *pages))
			}
			send(children[rand.Intn(len(children))], pageIdx)
			atomic.AddInt64(&updateCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Saves: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&updateCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
