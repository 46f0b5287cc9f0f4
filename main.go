package main

import "github.com/Trustflow-Network-Labs/theodore/internal/cmd"

func main() {
	cmd.Execute()
}
