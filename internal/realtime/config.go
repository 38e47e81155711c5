package realtime

import "imgflow"

type Config struct {
	NatsURL       string
	SubjectPrefix string
	JWTSecret     string
	RealtimePort  string
}

func LoadConfig() Config {
	return Config{
		NatsURL:       imgflow.GetEnv("NATS_URL", "nats://localhost:4222"),
		SubjectPrefix: imgflow.GetEnv("NATS_SUBJECT_PREFIX", "imgflow"),
		JWTSecret:     imgflow.GetEnv("JWT_SECRET", ""),
		RealtimePort:  imgflow.GetEnv("REALTIME_PORT", ":8081"),
	}
}
