// movictl is the operator CLI for the Movi assistant.
package main

func main() {
	Execute()
}
