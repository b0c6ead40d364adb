// services/sensor/main.go
package main

import (
	"log"
	"os"

	"example.com/backstage/services/sensor/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
