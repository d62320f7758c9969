package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"liyu1981.xyz/smartplant-service/pkg/common"
	iotGrpc "liyu1981.xyz/smartplant-service/pkg/grpc"
)

var maxSensors int = 1000
var httpHostPort string = "127.0.0.1:1080"
var grpcHostPort string = "127.0.0.1:10801"

var grpcClient *iotGrpc.DeviceGatewayClient

var rnd *rand.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
var rndMu sync.Mutex

type sensor struct {
	ID      string
	OwnerID string
	token   string
}

func main() {
	deviceKey := os.Getenv("BENCH_DEVICE_KEY")
	jwtSecret := os.Getenv(common.EnvKeyIOTJWTSecret)
	if jwtSecret == "" {
		log.Fatal(common.EnvKeyIOTJWTSecret + " must be set to the server's secret")
	}

	sensors := make([]sensor, maxSensors)
	for i := range maxSensors {
		owner := uuid.NewString()
		sensors[i] = sensor{ID: "bench-" + uuid.NewString()[:12], OwnerID: owner, token: signOwnerToken(jwtSecret, owner)}
	}
	fmt.Printf("generated %v sensors\n", maxSensors)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", httpHostPort))
	if err != nil {
		log.Fatal("Failed to connect to HTTP server:", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatal("HTTP server not available")
	}

	fmt.Printf("http server verified\n")

	conn, err := grpc.NewClient(grpcHostPort, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal("Failed to connect to gRPC server:", err)
	}
	defer conn.Close()
	grpcClient = iotGrpc.NewDeviceGatewayClient(conn)

	fmt.Printf("gRPC client connected\n")

	var startTime time.Time
	var usedTime time.Duration

	startTime = time.Now()
	wg := sync.WaitGroup{}
	for i := range maxSensors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registerSensor(sensors[i], deviceKey)
			fmt.Printf("\rregistered sensor %v", i)
		}()
	}
	wg.Wait()
	usedTime = time.Since(startTime)

	fmt.Printf(
		"\rregistered %v sensors: used time=%v seconds, throughput=%v action/second\n",
		maxSensors, usedTime.Seconds(), float64(maxSensors)/usedTime.Seconds(),
	)

	startTime = time.Now()
	wg = sync.WaitGroup{}
	for i := range maxSensors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doAction(sensors[i], deviceKey)
		}()
	}
	wg.Wait()
	usedTime = time.Since(startTime)

	fmt.Printf(
		"\n\rdid actions for %v sensors: used time=%v seconds, throughput=%v action/second\n",
		maxSensors, usedTime.Seconds(), float64(maxSensors*3)/usedTime.Seconds(),
	)
}

func signOwnerToken(secret, owner string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   owner,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return signed
}

func flipCoin() bool {
	rndMu.Lock()
	defer rndMu.Unlock()
	return rnd.Int31n(100000)%2 == 0
}

func rndFloat64(min, max float64, decimal int) float64 {
	rndMu.Lock()
	val := min + rnd.Float64()*(max-min)
	rndMu.Unlock()
	multiplier := math.Pow10(decimal)
	return math.Round(val*multiplier) / multiplier
}

func postJSON(path, deviceKey string, payload any) (*http.Response, error) {
	jsonData, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s%s", httpHostPort, path), bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", deviceKey)
	return http.DefaultClient.Do(req)
}

func registerSensor(s sensor, deviceKey string) {
	resp, err := postJSON("/api/sensors/auto-register", deviceKey, map[string]string{
		"id":      s.ID,
		"name":    "bench " + s.ID,
		"ownerId": s.OwnerID,
	})
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		panic(fmt.Sprintf("register sensor %s: status %d", s.ID, resp.StatusCode))
	}
}

func doAction(s sensor, deviceKey string) {
	actions := []func(){
		genPostReadingAction(s, deviceKey, 0),
		genPostReadingAction(s, deviceKey, 1),
		genGetAlertsAction(s),
	}
	actionNames := []string{
		"PostReading(pump off)",
		"PostReading(pump on)",
		"GetAlerts",
	}
	rndMu.Lock()
	rnd.Shuffle(len(actions), func(i, j int) {
		actions[i], actions[j] = actions[j], actions[i]
		actionNames[i], actionNames[j] = actionNames[j], actionNames[i]
	})
	rndMu.Unlock()
	for index, action := range actions {
		action()
		fmt.Printf("\rexecuted action %v for sensor %v", actionNames[index], s.ID)
		rndMu.Lock()
		pause := time.Duration(100+rnd.Int31n(1000)) * time.Millisecond
		rndMu.Unlock()
		time.Sleep(pause)
	}
}

func genPostReadingAction(s sensor, deviceKey string, pump int) func() {
	return func() {
		payload := map[string]any{
			"sensorId":     s.ID,
			"soilMoisture": rndFloat64(0, 1023, 0),
			"lightLevel":   rndFloat64(0, 20000, 0),
			"airTemp":      rndFloat64(0, 45, 1),
			"airHumidity":  rndFloat64(10, 100, 1),
			"pumpState":    pump,
			"capturedAt":   time.Now().Format(time.RFC3339),
		}

		if flipCoin() {
			resp, err := postJSON("/api/sensor/data", deviceKey, payload)
			if err != nil {
				fmt.Printf("\nerror: %v\n", err)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusTooManyRequests {
				fmt.Printf("\nresponse status code != 201: %v\n", resp.StatusCode)
			}
		} else {
			req, err := structpb.NewStruct(payload)
			if err != nil {
				fmt.Printf("\nerror: %v\n", err)
				return
			}
			ctx := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", deviceKey)
			if _, err := grpcClient.PostReading(ctx, req); err != nil {
				fmt.Printf("\nerror: %v\n", err)
			}
		}
	}
}

func genGetAlertsAction(s sensor) func() {
	return func() {
		req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/alerts?sensorId=%s", httpHostPort, s.ID), nil)
		req.Header.Set("Authorization", "Bearer "+s.token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("\nerror: %v\n", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Printf("\nresponse status code != 200: %v\n", resp.StatusCode)
		}
	}
}
