package main

import (
	"github.com/cybozu-go/odoo-operator/cmd"
)

func main() {
	cmd.Execute()
}
