package main

import "github.com/PlanesZwalker/glsl-discord-bot-sub000/cmd"

func main() {
	cmd.Execute()
}
