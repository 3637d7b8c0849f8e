package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/codeloom/loom/internal/analyticsingester"
	"github.com/codeloom/loom/internal/analyticsingester/configuration"
	"github.com/codeloom/loom/internal/common"
)

const CustomConfigLocation = "config"

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.AnalyticsIngesterConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/analyticsingester", userSpecifiedConfigs)

	analyticsingester.Run(&config)
}
