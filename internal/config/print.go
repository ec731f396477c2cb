// internal/config/print.go
package config

import (
	"encoding/json"
	"fmt"
)

// Print выводит разрешённый конфиг в читаемом виде. Секреты (пароль
// Redis) затираются.
func Print(cfg *Config) {
	cp := *cfg
	if cp.Redis.Password != "" {
		cp.Redis.Password = "***"
	}
	b, _ := json.MarshalIndent(cp, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}
